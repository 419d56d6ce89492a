package cv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cv-agent-go/internal/logger"
	"cv-agent-go/internal/types"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// 工具名称。注册表是封闭的: 模型请求这六个之外的名字会被显式拒绝。
const (
	ToolPersonalInfo    = "get_personal_info"
	ToolIntroduction    = "get_introduction"
	ToolWorkExperience  = "get_work_experience"
	ToolTechnicalSkills = "get_technical_skills"
	ToolProjectsSummary = "get_projects_summary"
	ToolDetailProject   = "get_detail_project_info"
)

// cvTool 所有简历查询工具的公共骨架: 元信息加一个闭包执行体。
// 实现 eino 的 tool.BaseTool 与 tool.InvokableTool 接口。
type cvTool struct {
	name   string
	desc   string
	params map[string]*schema.ParameterInfo
	run    func(ctx context.Context, argumentsInJSON string) (string, error)
}

var _ tool.BaseTool = (*cvTool)(nil)
var _ tool.InvokableTool = (*cvTool)(nil)

// Info 返回工具的元信息，符合 tool.BaseTool 接口。
func (t *cvTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	info := &schema.ToolInfo{
		Name: t.name,
		Desc: t.desc,
	}
	if len(t.params) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(t.params)
	} else {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{})
	}
	return info, nil
}

// InvokableRun 执行工具的逻辑，符合 tool.InvokableTool 接口。
func (t *cvTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	logger.Ctx(ctx).Info().Str("tool", t.name).Msg("执行简历查询工具")
	result, err := t.run(ctx, argumentsInJSON)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("tool", t.name).Msg("工具执行失败")
		return "", err
	}
	return result, nil
}

// ToolRegistry 简历查询工具的封闭注册表。
// 所有工具都是同一份简历记录上的只读闭包, 记录更新时整体重建注册表。
type ToolRegistry struct {
	tools  []tool.BaseTool
	byName map[string]tool.InvokableTool
}

// NewToolRegistry 基于给定简历记录构建全部六个查询工具
func NewToolRegistry(record *types.CVRecord) *ToolRegistry {
	all := []*cvTool{
		personalInfoTool(record),
		introductionTool(record),
		workExperienceTool(record),
		technicalSkillsTool(record),
		projectsSummaryTool(record),
		detailProjectTool(record),
	}

	r := &ToolRegistry{
		byName: make(map[string]tool.InvokableTool, len(all)),
	}
	for _, t := range all {
		r.tools = append(r.tools, t)
		r.byName[t.name] = t
	}
	return r
}

// Tools 返回可绑定到模型的工具列表
func (r *ToolRegistry) Tools() []tool.BaseTool {
	return r.tools
}

// Infos 收集全部工具的元信息, 用于模型绑定
func (r *ToolRegistry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取工具元信息失败: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Lookup 按名称查找工具。未注册的名字返回false, 调用方需显式拒绝。
func (r *ToolRegistry) Lookup(name string) (tool.InvokableTool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func personalInfoTool(record *types.CVRecord) *cvTool {
	return &cvTool{
		name: ToolPersonalInfo,
		desc: "Use this tool to get basic personal information such as name, email, phone number, and LinkedIn profile.",
		run: func(_ context.Context, _ string) (string, error) {
			if record == nil || len(record.PersonalInfo) == 0 {
				return "Personal information not found.", nil
			}
			data, err := json.MarshalIndent(record.PersonalInfo, "", "  ")
			if err != nil {
				return "", fmt.Errorf("序列化个人信息失败: %w", err)
			}
			return string(data), nil
		},
	}
}

func introductionTool(record *types.CVRecord) *cvTool {
	return &cvTool{
		name: ToolIntroduction,
		desc: "Use this tool to get a general introduction and professional summary of the candidate.",
		run: func(_ context.Context, _ string) (string, error) {
			if record == nil || strings.TrimSpace(record.Introduction) == "" {
				return "Introduction not found.", nil
			}
			return record.Introduction, nil
		},
	}
}

func workExperienceTool(record *types.CVRecord) *cvTool {
	builder := NewCorpusBuilder()
	return &cvTool{
		name: ToolWorkExperience,
		desc: "Use this tool to get detailed work experience, including job titles, companies, dates, and responsibilities.",
		run: func(_ context.Context, _ string) (string, error) {
			if record == nil || len(record.Experience) == 0 {
				return "Work experience not found.", nil
			}
			sections := make([]string, 0, len(record.Experience))
			for i := range record.Experience {
				sections = append(sections, builder.renderExperience(&record.Experience[i]))
			}
			return strings.Join(sections, "\n\n"), nil
		},
	}
}

func technicalSkillsTool(record *types.CVRecord) *cvTool {
	return &cvTool{
		name: ToolTechnicalSkills,
		desc: "Use this tool to get the list of technical skills, grouped by category.",
		run: func(_ context.Context, _ string) (string, error) {
			if record == nil || len(record.TechnicalSkills) == 0 {
				return "Technical skills not found.", nil
			}
			return renderTechnicalSkills(record.TechnicalSkills), nil
		},
	}
}

func projectsSummaryTool(record *types.CVRecord) *cvTool {
	return &cvTool{
		name: ToolProjectsSummary,
		desc: "Use this tool to get a summary of all projects, grouped by company, with key achievements.",
		run: func(_ context.Context, _ string) (string, error) {
			if record == nil || len(record.Projects) == 0 {
				return "Projects summary not found.", nil
			}
			return renderProjectsSummary(record.Projects), nil
		},
	}
}

func detailProjectTool(record *types.CVRecord) *cvTool {
	return &cvTool{
		name: ToolDetailProject,
		desc: "Use this tool to get an in-depth report on a specific project: goal, problem, role, methodology, achievements, and technologies. Requires the project name.",
		params: map[string]*schema.ParameterInfo{
			"project_name": {
				Type:     "string",
				Desc:     "Name of the project to look up. Partial names are matched case-insensitively.",
				Required: true,
			},
		},
		run: func(_ context.Context, argumentsInJSON string) (string, error) {
			var args struct {
				ProjectName string `json:"project_name"`
			}
			if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
				// 模型偶尔会直接给裸字符串而不是JSON对象
				if trimmed := strings.TrimSpace(argumentsInJSON); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
					args.ProjectName = trimmed
				} else {
					return "", fmt.Errorf("解析 project_name 参数失败: %w", err)
				}
			}

			project := record.FindDetailProject(args.ProjectName)
			if project == nil {
				names := record.DetailProjectNames()
				if len(names) == 0 {
					return "Detailed project information not found.", nil
				}
				return fmt.Sprintf("Project '%s' not found. Known projects: %s.",
					args.ProjectName, strings.Join(names, ", ")), nil
			}
			return renderDetailProject(project), nil
		},
	}
}
