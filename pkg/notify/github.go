package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carrot-ci/carrot/pkg/config"
	"github.com/carrot-ci/carrot/pkg/store"
	"github.com/sirupsen/logrus"
)

const githubHTTPTimeout = 10 * time.Second

// Target is an issue or pull request, written "owner/repo#number".
type Target struct {
	Owner  string
	Repo   string
	Number int
}

// ParseTarget parses an "owner/repo#number" reference.
func ParseTarget(s string) (Target, error) {
	repo, num, ok := strings.Cut(s, "#")
	if !ok {
		return Target{}, fmt.Errorf("invalid github target %q: missing #number", s)
	}

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Target{}, fmt.Errorf("invalid github target %q: want owner/repo", s)
	}

	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return Target{}, fmt.Errorf("invalid github target %q: bad number", s)
	}

	return Target{Owner: owner, Repo: name, Number: n}, nil
}

type githubComment struct {
	Body string `json:"body"`
}

type githubNotifier struct {
	log    logrus.FieldLogger
	cfg    *config.GitHubNotifyConfig
	client *http.Client
}

// NewGitHubNotifier returns a Notifier that comments on the GitHub issue
// or pull request a run was started from. Runs without a target, and
// reports and builds, are ignored.
func NewGitHubNotifier(
	log logrus.FieldLogger, cfg *config.GitHubNotifyConfig,
) Notifier {
	return &githubNotifier{
		log:    log.WithField("component", "notify-github"),
		cfg:    cfg,
		client: &http.Client{Timeout: githubHTTPTimeout},
	}
}

func (n *githubNotifier) NotifyRun(ctx context.Context, run *store.Run) error {
	if run.GitHubTarget == "" {
		return nil
	}

	target, err := ParseTarget(run.GitHubTarget)
	if err != nil {
		return err
	}

	if err := n.comment(ctx, target, runComment(run)); err != nil {
		return fmt.Errorf("commenting on %s: %w", run.GitHubTarget, err)
	}

	n.log.WithField("run_id", run.ID).
		WithField("target", run.GitHubTarget).
		Debug("Posted run comment")

	return nil
}

func (n *githubNotifier) NotifyReport(context.Context, *store.ReportMap) error {
	return nil
}

func (n *githubNotifier) NotifyBuild(context.Context, *store.SoftwareBuild) error {
	return nil
}

func (n *githubNotifier) comment(ctx context.Context, target Target, body string) error {
	payload, err := json.Marshal(githubComment{Body: body})
	if err != nil {
		return fmt.Errorf("encoding comment: %w", err)
	}

	u := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments",
		strings.TrimRight(n.cfg.APIURL, "/"), target.Owner, target.Repo, target.Number)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return nil
}

func runComment(run *store.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run **%s** finished with status `%s`.\n", run.Name, run.Status)

	if len(run.Results) > 0 {
		results, err := json.MarshalIndent(run.Results, "", "  ")
		if err == nil {
			b.WriteString("\n<details><summary>Results</summary>\n\n```json\n")
			b.Write(results)
			b.WriteString("\n```\n</details>\n")
		}
	}

	return b.String()
}
