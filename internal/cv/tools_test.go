package cv

import (
	"context"
	"testing"

	"cv-agent-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistryIsClosed(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())

	require.Len(t, registry.Tools(), 6)
	for _, name := range []string{
		ToolPersonalInfo, ToolIntroduction, ToolWorkExperience,
		ToolTechnicalSkills, ToolProjectsSummary, ToolDetailProject,
	} {
		_, ok := registry.Lookup(name)
		assert.True(t, ok, "tool %s should be registered", name)
	}

	_, ok := registry.Lookup("delete_all_data")
	assert.False(t, ok)
}

func TestToolInfos(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())

	infos, err := registry.Infos(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 6)

	names := make(map[string]bool)
	for _, info := range infos {
		assert.NotEmpty(t, info.Desc)
		names[info.Name] = true
	}
	assert.True(t, names[ToolDetailProject])
}

func TestPersonalInfoTool(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolPersonalInfo)

	out, err := tl.InvokableRun(context.Background(), "{}")
	require.NoError(t, err)
	assert.Contains(t, out, "khoa@example.com")
	assert.Contains(t, out, "linkedin.com/in/khoadangle")
}

func TestPersonalInfoToolNotFound(t *testing.T) {
	registry := NewToolRegistry(&types.CVRecord{Introduction: "hello"})
	tl, _ := registry.Lookup(ToolPersonalInfo)

	out, err := tl.InvokableRun(context.Background(), "{}")
	require.NoError(t, err)
	assert.Equal(t, "Personal information not found.", out)
}

func TestWorkExperienceTool(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolWorkExperience)

	out, err := tl.InvokableRun(context.Background(), "{}")
	require.NoError(t, err)
	assert.Contains(t, out, "Title: Head of Data at FinBank")
	assert.Contains(t, out, "Title: Senior Data Scientist at RetailCo")
	assert.Contains(t, out, "- Built demand forecasting models")
}

func TestTechnicalSkillsTool(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolTechnicalSkills)

	out, err := tl.InvokableRun(context.Background(), "{}")
	require.NoError(t, err)
	assert.Contains(t, out, "Technical Skills:")
	assert.Contains(t, out, "XGBoost")
}

func TestProjectsSummaryTool(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolProjectsSummary)

	out, err := tl.InvokableRun(context.Background(), "{}")
	require.NoError(t, err)
	assert.Contains(t, out, "Projects Summary:")
	assert.Contains(t, out, "Company: FinBank")
	assert.Contains(t, out, "- Fraud Detection System: Reduced false positives by 30%")
}

func TestDetailProjectToolCaseInsensitiveSubstring(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolDetailProject)

	for _, query := range []string{"Fraud Detection System", "fraud", "FRAUD DETECTION"} {
		out, err := tl.InvokableRun(context.Background(), `{"project_name": "`+query+`"}`)
		require.NoError(t, err)
		assert.Contains(t, out, "DETAILED PROJECT REPORT", "query %q", query)
		assert.Contains(t, out, "Reduced false positives by 30%", "query %q", query)
	}
}

func TestDetailProjectToolBareStringArgument(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolDetailProject)

	out, err := tl.InvokableRun(context.Background(), "fraud")
	require.NoError(t, err)
	assert.Contains(t, out, "Project Name: Fraud Detection System")
}

func TestDetailProjectToolNotFoundListsKnownProjects(t *testing.T) {
	registry := NewToolRegistry(sampleRecord())
	tl, _ := registry.Lookup(ToolDetailProject)

	out, err := tl.InvokableRun(context.Background(), `{"project_name": "blockchain"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "not found")
	assert.Contains(t, out, "Fraud Detection System")
	assert.Contains(t, out, "Demand Forecasting")
}

func TestDetailProjectToolEmptyRecord(t *testing.T) {
	registry := NewToolRegistry(&types.CVRecord{})
	tl, _ := registry.Lookup(ToolDetailProject)

	out, err := tl.InvokableRun(context.Background(), `{"project_name": "anything"}`)
	require.NoError(t, err)
	assert.Equal(t, "Detailed project information not found.", out)
}
