package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinTemplatesAreValid(t *testing.T) {
	for _, name := range TemplateNames() {
		t.Run(name, func(t *testing.T) {
			template, err := LookupTemplate(name)
			require.NoError(t, err)
			assert.NoError(t, template.Validate())
		})
	}
}

func TestLookupTemplateUnknown(t *testing.T) {
	_, err := LookupTemplate("deploy")
	assert.ErrorContains(t, err, "unknown command")
}

func TestMaterializeStartsPending(t *testing.T) {
	template, err := LookupTemplate("implement")
	require.NoError(t, err)

	steps := template.Materialize()
	require.Len(t, steps, 5)
	for _, step := range steps {
		assert.Equal(t, StepPending, step.Status)
	}
	assert.Equal(t, StepParallelGroup, steps[3].Kind)
	assert.Equal(t, "validate", steps[3].Name)
}

func TestGroupSpecs(t *testing.T) {
	template, err := LookupTemplate("implement")
	require.NoError(t, err)

	workers := template.GroupSpecs("validate")
	require.Len(t, workers, 3)
	assert.Equal(t, "functional", workers[0].Name)

	assert.Nil(t, template.GroupSpecs("design"), "sequential step has no group")
	assert.Nil(t, template.GroupSpecs("missing"))
}

func TestTemplateValidate(t *testing.T) {
	cases := []struct {
		name     string
		template Template
		wantErr  string
	}{
		{
			name:     "no steps",
			template: Template{Name: "x"},
			wantErr:  "at least one step",
		},
		{
			name: "duplicate step names",
			template: Template{Name: "x", Steps: []StepTemplate{
				{Name: "a", Kind: StepSequential, Role: "r"},
				{Name: "a", Kind: StepSequential, Role: "r"},
			}},
			wantErr: "duplicate step name",
		},
		{
			name: "sequential without role",
			template: Template{Name: "x", Steps: []StepTemplate{
				{Name: "a", Kind: StepSequential},
			}},
			wantErr: "no role",
		},
		{
			name: "parallel without workers",
			template: Template{Name: "x", Steps: []StepTemplate{
				{Name: "a", Kind: StepParallelGroup},
			}},
			wantErr: "no workers",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.template.Validate()
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
