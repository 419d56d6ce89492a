package cv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cv-agent-go/internal/constants"
	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/types"
)

// 语料片段的来源标签
const (
	TagIntroduction     = "introduction"
	TagTechnicalSkills  = "technical_skills"
	TagProjectsSummary  = "projects_summary"
	TagExperiencePrefix = "experience_"
	TagDetailPrefix     = "detail_project_"
)

// CorpusBuilder 把结构化简历展开为带来源标签的语料片段序列。
// 展开规则是确定性的：同一份记录在同一时刻构建出完全相同的片段序列，
// 这保证了向量库点ID（按 corpus_version + tag + chunk_index 派生）的幂等性。
type CorpusBuilder struct {
	chunkSizeLimit int
	chunkOverlap   int
	now            func() time.Time
}

// CorpusOption 语料构建选项
type CorpusOption func(*CorpusBuilder)

// WithChunkLimits 覆盖默认的片段长度上限与重叠长度
func WithChunkLimits(sizeLimit, overlap int) CorpusOption {
	return func(b *CorpusBuilder) {
		if sizeLimit > 0 {
			b.chunkSizeLimit = sizeLimit
		}
		if overlap >= 0 && overlap < sizeLimit {
			b.chunkOverlap = overlap
		}
	}
}

// WithClock 注入时间源，仅用于测试 "Present" 的替换
func WithClock(now func() time.Time) CorpusOption {
	return func(b *CorpusBuilder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewCorpusBuilder 创建语料构建器
func NewCorpusBuilder(opts ...CorpusOption) *CorpusBuilder {
	b := &CorpusBuilder{
		chunkSizeLimit: constants.DefaultChunkSizeLimit,
		chunkOverlap:   constants.DefaultChunkOverlap,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 展开简历记录。空记录返回空序列，调用方据此进入"检索不可用"状态。
// 片段顺序固定：自我介绍、逐段工作经历、技术栈、项目总表、逐个项目详报。
func (b *CorpusBuilder) Build(record *types.CVRecord) []types.Passage {
	if record.IsEmpty() {
		logger.Warn().Msg("简历记录为空, 语料构建结果为空序列")
		return nil
	}

	var passages []types.Passage

	if intro := strings.TrimSpace(record.Introduction); intro != "" {
		passages = append(passages, b.split(intro, TagIntroduction)...)
	}

	for i := range record.Experience {
		entry := &record.Experience[i]
		passages = append(passages, b.split(b.renderExperience(entry), experienceTag(entry.Company))...)
	}

	if len(record.TechnicalSkills) > 0 {
		passages = append(passages, b.split(renderTechnicalSkills(record.TechnicalSkills), TagTechnicalSkills)...)
	}

	if len(record.Projects) > 0 {
		passages = append(passages, b.split(renderProjectsSummary(record.Projects), TagProjectsSummary)...)
	}

	for i := range record.DetailProjects {
		project := &record.DetailProjects[i]
		passages = append(passages, b.split(renderDetailProject(project), detailProjectTag(project.ProjectName))...)
	}

	logger.Info().
		Int("passages", len(passages)).
		Int("experience_entries", len(record.Experience)).
		Int("detail_projects", len(record.DetailProjects)).
		Msg("简历语料构建完成")

	return passages
}

// renderExperience 渲染单段工作经历。
// 日期中的 "Present" 替换为构建时刻的月份年份，向量化后的文本不留相对时间。
func (b *CorpusBuilder) renderExperience(entry *types.ExperienceEntry) string {
	dates := types.OrDefault(entry.Dates, types.PlaceholderNotSpecified)
	if strings.Contains(dates, "Present") {
		dates = strings.ReplaceAll(dates, "Present", b.now().Format("January 2006"))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s at %s\n",
		types.OrDefault(entry.Title, types.PlaceholderNA),
		types.OrDefault(entry.Company, types.PlaceholderNA))
	fmt.Fprintf(&sb, "Dates: %s\n", dates)
	sb.WriteString("Responsibilities:")
	if len(entry.Responsibilities) == 0 {
		sb.WriteString("\n- " + types.PlaceholderNotSpecified)
	} else {
		for _, r := range entry.Responsibilities {
			sb.WriteString("\n- " + r)
		}
	}
	return sb.String()
}

// renderTechnicalSkills 渲染技术栈为带标签的键值清单
func renderTechnicalSkills(skills map[string][]string) string {
	data, err := json.MarshalIndent(skills, "", "  ")
	if err != nil {
		// map[string][]string 的序列化不会失败, 兜底只为完整性
		return "Technical Skills:\n" + types.PlaceholderNotSpecified
	}
	return "Technical Skills:\n" + string(data)
}

// renderProjectsSummary 渲染所有公司的项目摘要为单个聚合片段
func renderProjectsSummary(projects []types.ProjectSummary) string {
	var sb strings.Builder
	sb.WriteString("Projects Summary:")
	for i := range projects {
		group := &projects[i]
		fmt.Fprintf(&sb, "\nCompany: %s", types.OrDefault(group.Company, types.PlaceholderNA))
		for _, item := range group.ProjectList {
			fmt.Fprintf(&sb, "\n- %s: %s",
				types.OrDefault(item.Title, types.PlaceholderNA),
				types.OrDefault(item.KeyAchievements, types.PlaceholderNotSpecified))
		}
	}
	return sb.String()
}

// renderDetailProject 渲染单个项目详报。
// 片段以固定的 DETAILED PROJECT REPORT 标记开头, 便于检索端和模型识别详报内容。
func renderDetailProject(p *types.DetailProject) string {
	var sb strings.Builder
	sb.WriteString(constants.DetailProjectMarker)
	fmt.Fprintf(&sb, "\nProject Name: %s", types.OrDefault(p.ProjectName, types.PlaceholderNA))
	fmt.Fprintf(&sb, "\nCompany: %s", types.OrDefault(p.Company, types.PlaceholderNA))
	fmt.Fprintf(&sb, "\nStatus: %s", types.OrDefault(p.Status, types.PlaceholderNA))
	fmt.Fprintf(&sb, "\nGoal: %s", types.OrDefault(p.ProjectGoal, types.PlaceholderNotSpecified))
	fmt.Fprintf(&sb, "\nProblem: %s", types.OrDefault(p.ProblemToSolve, types.PlaceholderNotSpecified))
	fmt.Fprintf(&sb, "\nRole: %s", types.OrDefault(p.RoleAndResponsibilities, types.PlaceholderNotSpecified))
	fmt.Fprintf(&sb, "\nMethodology: %s", types.OrDefault(p.MethodologyAndSolution, types.PlaceholderNotSpecified))
	sb.WriteString("\nAchievements:")
	if len(p.Achievements) == 0 {
		sb.WriteString("\n- " + types.PlaceholderNotSpecified)
	} else {
		for _, a := range p.Achievements {
			sb.WriteString("\n- " + a)
		}
	}
	fmt.Fprintf(&sb, "\nTechnologies: %s", types.OrDefault(p.TechnologiesUsed, types.PlaceholderNotSpecified))
	return sb.String()
}

// split 把超长文本按上限切分为多个片段, 相邻片段保留重叠, 每个片段带递增的块序号。
// 未超限时返回单个块序号为0的片段。按rune切分, 避免切断多字节字符。
func (b *CorpusBuilder) split(content, sourceTag string) []types.Passage {
	runes := []rune(content)
	if len(runes) <= b.chunkSizeLimit {
		return []types.Passage{{Content: content, SourceTag: sourceTag, ChunkIndex: 0}}
	}

	step := b.chunkSizeLimit - b.chunkOverlap
	if step <= 0 {
		step = b.chunkSizeLimit
	}

	var passages []types.Passage
	for start, idx := 0, 0; start < len(runes); start, idx = start+step, idx+1 {
		end := start + b.chunkSizeLimit
		if end > len(runes) {
			end = len(runes)
		}
		passages = append(passages, types.Passage{
			Content:    string(runes[start:end]),
			SourceTag:  sourceTag,
			ChunkIndex: idx,
		})
		if end == len(runes) {
			break
		}
	}

	logger.Debug().Str("source_tag", sourceTag).Int("chunks", len(passages)).Msg("超长片段已切分")
	return passages
}

func experienceTag(company string) string {
	return TagExperiencePrefix + tagify(company)
}

func detailProjectTag(name string) string {
	return TagDetailPrefix + tagify(name)
}

// tagify 把自由文本压成稳定的标签后缀
func tagify(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "unknown"
	}
	return strings.Join(strings.Fields(s), "_")
}
