package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-engine/internal/app"
	"tournament-engine/internal/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "absent.yaml")))
	err := cmd.Execute()
	return out.String(), err
}

func TestSweepRunsInMemory(t *testing.T) {
	out, err := run(t, "sweep", "all")
	require.NoError(t, err)

	var report app.SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report.Events.Started)
	assert.Zero(t, report.Notifications.Sent)
}

func TestSweepRejectsUnknownStage(t *testing.T) {
	_, err := run(t, "sweep", "everything")
	assert.Error(t, err)
}

func TestEventCreatePrintsCountdown(t *testing.T) {
	out, err := run(t, "event", "create", "--name", "Copa", "--in", "2h", "--questions", "3", "--preset", "valid")
	require.NoError(t, err)

	var created struct {
		Event         domain.Event                   `json:"event"`
		Notifications []domain.ScheduledNotification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "Copa", created.Event.Name)
	assert.Equal(t, domain.StatusScheduled, created.Event.Status)
	// 2h ahead: every offset but the day-before reminder
	assert.Len(t, created.Notifications, 5)
}

func TestEventCreateNeedsStart(t *testing.T) {
	_, err := run(t, "event", "create", "--name", "Copa")
	assert.Error(t, err)
}

func TestExamStartSendsFirstQuestion(t *testing.T) {
	out, err := run(t, "exam", "start", "--user", "u1", "--questions", "3", "--preset", "valid")
	require.NoError(t, err)

	var started struct {
		Result domain.JoinResult `json:"result"`
		Event  domain.Event      `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	assert.True(t, started.Result.Joined)
	assert.Equal(t, domain.KindExam, started.Event.Kind)
	assert.Equal(t, domain.StatusInProgress, started.Event.Status)
	assert.Len(t, started.Event.Questions, 3)
}
