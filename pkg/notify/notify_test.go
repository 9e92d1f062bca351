package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/status"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "acme/pipelines#42", want: Target{Owner: "acme", Repo: "pipelines", Number: 42}},
		{in: "acme/pipelines", wantErr: true},
		{in: "acme#42", wantErr: true},
		{in: "acme/a/b#1", wantErr: true},
		{in: "acme/pipelines#zero", wantErr: true},
		{in: "acme/pipelines#0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGitHubNotifier_NotifyRun(t *testing.T) {
	var (
		gotPath, gotAuth string
		gotBody          githubComment
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	n := NewNotifier(testLogger(), &config.NotifyConfig{
		GitHub: config.GitHubNotifyConfig{Enabled: true, Token: "tok", APIURL: srv.URL},
	})

	run := &store.Run{
		ID:           uuid.New(),
		Name:         "nightly",
		Status:       status.RunEvalFailed,
		Results:      datatypes.JSONMap{"merged_workflow.out_ok": false},
		GitHubTarget: "acme/pipelines#7",
	}

	require.NoError(t, n.NotifyRun(context.Background(), run))
	assert.Equal(t, "/repos/acme/pipelines/issues/7/comments", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, gotBody.Body, "**nightly**")
	assert.Contains(t, gotBody.Body, "`eval_failed`")
	assert.Contains(t, gotBody.Body, "merged_workflow.out_ok")

	t.Run("runs without a target are skipped", func(t *testing.T) {
		gotPath = ""
		run.GitHubTarget = ""

		require.NoError(t, n.NotifyRun(context.Background(), run))
		assert.Empty(t, gotPath)
	})
}

func TestGitHubNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Resource not accessible"}`))
	}))
	defer srv.Close()

	n := NewGitHubNotifier(testLogger(), &config.GitHubNotifyConfig{
		Enabled: true, Token: "tok", APIURL: srv.URL,
	})

	err := n.NotifyRun(context.Background(), &store.Run{
		Name: "r", Status: status.RunSucceeded, GitHubTarget: "acme/pipelines#1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Resource not accessible")
}
