package types

import (
	"strings"
)

// 字段缺失时的占位值，保证语料构建与工具查询不会因为数据不全而失败
const (
	PlaceholderNA           = "N/A"
	PlaceholderNotSpecified = "Not specified."
)

// ExperienceEntry 一段工作经历
type ExperienceEntry struct {
	Title            string   `json:"title" yaml:"title"`
	Company          string   `json:"company" yaml:"company"`
	Dates            string   `json:"dates" yaml:"dates"`
	Responsibilities []string `json:"responsibilities" yaml:"responsibilities"`
}

// ProjectSummaryItem 项目摘要中的单个条目
type ProjectSummaryItem struct {
	Title           string `json:"title" yaml:"title"`
	KeyAchievements string `json:"key_achievements" yaml:"key_achievements"`
}

// ProjectSummary 按公司聚合的项目摘要
type ProjectSummary struct {
	Company     string               `json:"company" yaml:"company"`
	ProjectList []ProjectSummaryItem `json:"project_list" yaml:"project_list"`
}

// DetailProject 单个项目的详细报告数据
type DetailProject struct {
	ProjectName             string   `json:"project_name" yaml:"project_name"`
	Company                 string   `json:"company" yaml:"company"`
	Status                  string   `json:"status" yaml:"status"`
	ProjectGoal             string   `json:"project_goal" yaml:"project_goal"`
	ProblemToSolve          string   `json:"problem_to_solve" yaml:"problem_to_solve"`
	RoleAndResponsibilities string   `json:"role_and_responsibilities" yaml:"role_and_responsibilities"`
	MethodologyAndSolution  string   `json:"methodology_and_solution" yaml:"methodology_and_solution"`
	Achievements            []string `json:"achievements" yaml:"achievements"`
	TechnologiesUsed        string   `json:"technologies_used" yaml:"technologies_used"`
}

// CVRecord 结构化简历根实体。
// 进程启动时从外部数据源（JSON文件、MinIO对象或MySQL文档表）整体加载，
// 运行期间视为不可变；更新通过整体替换完成（见 cv.Reindexer）。
// 约束：DetailProjects 内 ProjectName 唯一，查询按大小写不敏感的子串匹配。
type CVRecord struct {
	PersonalInfo    map[string]string   `json:"personal_info" yaml:"personal_info"`
	Introduction    string              `json:"introduction" yaml:"introduction"`
	Experience      []ExperienceEntry   `json:"experience" yaml:"experience"`
	TechnicalSkills map[string][]string `json:"technical_skills" yaml:"technical_skills"`
	Projects        []ProjectSummary    `json:"projects" yaml:"projects"`
	DetailProjects  []DetailProject     `json:"detail_project" yaml:"detail_project"`
}

// FindDetailProject 按大小写不敏感的子串匹配查找项目详情。
// 返回第一个命中的项目；未命中返回 nil。
func (r *CVRecord) FindDetailProject(name string) *DetailProject {
	if r == nil {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil
	}
	for i := range r.DetailProjects {
		if strings.Contains(strings.ToLower(r.DetailProjects[i].ProjectName), needle) {
			return &r.DetailProjects[i]
		}
	}
	return nil
}

// DetailProjectNames 返回全部项目详情名称，用于查询未命中时的提示信息。
// 直接从记录派生，避免硬编码清单与数据漂移。
func (r *CVRecord) DetailProjectNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.DetailProjects))
	for i := range r.DetailProjects {
		names = append(names, r.DetailProjects[i].ProjectName)
	}
	return names
}

// IsEmpty 判断记录是否没有任何可用内容
func (r *CVRecord) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.PersonalInfo) == 0 && r.Introduction == "" &&
		len(r.Experience) == 0 && len(r.TechnicalSkills) == 0 &&
		len(r.Projects) == 0 && len(r.DetailProjects) == 0
}

// Passage 带来源标签的语料片段，是语义索引的基本单位
type Passage struct {
	Content    string `json:"content"`
	SourceTag  string `json:"source_tag"`
	ChunkIndex int    `json:"chunk_index"`
}

// ScoredPassage 检索结果：片段加相似度分数
type ScoredPassage struct {
	Passage Passage `json:"passage"`
	Score   float32 `json:"score"`
}

// OrDefault 空字符串替换为占位值
func OrDefault(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
