package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		text string
		want Category
	}{
		{"what is 2 plus 2", Math},
		{"calculate 12 * 3", Math},
		{"square root of 16", Math},
		{"hello there", Greeting},
		{"goodbye for now", Goodbye},
		{"what time is it", TimeDate},
		{"show memory usage", SystemInfo},
		{"list files in my documents", FileOperation},
		{"how's the weather outside", Weather},
		{"will it rain tomorrow", Weather},
		{"help me please", Help},
		{"who wrote hamlet", Question},
		{"run ls -la", SystemAction},
		{"rm -rf /", SystemAction},
		{"blue elephants dance", Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.text).Category)
		})
	}
}

func TestClassify_UnknownHasNoEntities(t *testing.T) {
	in := Classify("purple monkey dishwasher")

	assert.Equal(t, Unknown, in.Category)
	assert.Empty(t, in.Entities)
	assert.Zero(t, in.Confidence)
	assert.Equal(t, "purple monkey dishwasher", in.RawText)
}

func TestClassify_EmptyInput(t *testing.T) {
	in := Classify("   ")
	assert.Equal(t, Unknown, in.Category)
	assert.Empty(t, in.Entities)
}

func TestClassify_Deterministic(t *testing.T) {
	first := Classify("please run df -h on /home")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify("please run df -h on /home"))
	}
}

func TestClassify_MathEntities(t *testing.T) {
	in := Classify("what is 2 plus 2")

	require.Equal(t, Math, in.Category)
	assert.Equal(t, []string{"2"}, in.Entities[EntityNumber])
	assert.Equal(t, []string{"plus"}, in.Entities[EntityOperation])
	assert.InDelta(t, 0.9, in.Confidence, 1e-9)
}

func TestClassify_CommandEntity(t *testing.T) {
	in := Classify("Please run the command cat /etc/hostname")

	require.Equal(t, SystemAction, in.Category)
	assert.Equal(t, "cat /etc/hostname", in.Entity(EntityCommand))
	assert.Contains(t, in.Entities[EntityFilePath], "/etc/hostname")
}

func TestClassify_BareShellCommand(t *testing.T) {
	in := Classify("rm -rf /")

	require.Equal(t, SystemAction, in.Category)
	assert.Equal(t, "rm -rf /", in.Entity(EntityCommand))
}

func TestClassify_LocationEntity(t *testing.T) {
	in := Classify("show the files in downloads")

	require.Equal(t, FileOperation, in.Category)
	assert.Equal(t, "downloads", in.Entity(EntityLocation))
}

func TestClassify_ConfidenceCapped(t *testing.T) {
	in := Classify("calculate 1 + 2 + 3 + 4 + 5 + 6")
	assert.LessOrEqual(t, in.Confidence, 1.0)
	assert.InDelta(t, 1.0, in.Confidence, 1e-9)
}
