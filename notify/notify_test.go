package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWithoutTokenLogsOnly(t *testing.T) {
	n := New("")
	_, ok := n.(LogNotifier)
	assert.True(t, ok)
	assert.NoError(t, n.Notify(context.Background(), 42, "hello"))
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	assert.NoError(t, r.Notify(ctx, 1, "a"))
	assert.NoError(t, r.Notify(ctx, 2, "b"))

	msgs := r.Messages()
	assert.Equal(t, []Message{{ChatID: 1, Text: "a"}, {ChatID: 2, Text: "b"}}, msgs)

	msgs[0].Text = "changed"
	assert.Equal(t, "a", r.Messages()[0].Text)
}
