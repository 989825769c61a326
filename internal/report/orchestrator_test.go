package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"velvet/pkg/domain"
	"velvet/pkg/store"
)

type fakeGenerator struct {
	reply  string
	err    error
	prompt string
}

func (g *fakeGenerator) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	g.prompt = prompt
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator) (*Orchestrator, store.Store, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "velvet.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	st, err := store.NewGormStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reportDir := t.TempDir()
	o, err := New(Config{Store: st, Generator: gen, ReportDir: reportDir})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, st, reportDir
}

func seedUpload(t *testing.T, st store.Store, text string) (domain.User, domain.Upload) {
	t.Helper()
	user := domain.User{
		ID:        "user-1",
		Email:     "ada@example.com",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveUser(user); err != nil {
		t.Fatalf("save user: %v", err)
	}

	dir := t.TempDir()
	notesPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notesPath, []byte(text), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	upload := domain.Upload{
		ID:     "upload-1",
		UserID: user.ID,
		Files: []domain.FileInfo{
			{Name: "notes.txt", Path: notesPath, Size: int64(len(text))},
		},
		Path:      dir,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveUpload(upload); err != nil {
		t.Fatalf("save upload: %v", err)
	}
	return user, upload
}

func waitForTerminal(t *testing.T, st store.Store, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := st.GetJob(jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.Job{}
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	gen := &fakeGenerator{reply: "# Abstract\n\nReef temperatures rose **1.2C**."}
	o, st, reportDir := newTestOrchestrator(t, gen)
	user, upload := seedUpload(t, st, "Water temperature logs from the reef survey.")

	job, err := o.Submit(user, upload)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("submitted job status = %s, want pending", job.Status)
	}

	done := waitForTerminal(t, st, job.ID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("job status = %s (error %q), want completed", done.Status, done.Error)
	}
	if done.Progress != 1.0 {
		t.Fatalf("completed progress = %v, want 1.0", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed job has no completed_at")
	}
	if !strings.HasPrefix(done.ReportPath, reportDir) {
		t.Fatalf("report path %q not under %q", done.ReportPath, reportDir)
	}
	if _, err := os.Stat(done.ReportPath); err != nil {
		t.Fatalf("report file missing: %v", err)
	}
	if !strings.Contains(gen.prompt, "reef survey") {
		t.Error("prompt does not include the extracted document text")
	}
	if _, ok := o.LiveProgress(job.ID); ok {
		t.Error("live progress entry still present after terminal write")
	}
}

func TestSubmitRejectsForeignUpload(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	o, st, _ := newTestOrchestrator(t, gen)
	_, upload := seedUpload(t, st, "some notes")

	intruder := domain.User{ID: "user-2", Email: "eve@example.com"}
	if _, err := o.Submit(intruder, upload); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("submit foreign upload err = %v, want ErrNotOwner", err)
	}
}

func TestGeneratorFailureMarksJobFailed(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model overloaded")}
	o, st, _ := newTestOrchestrator(t, gen)
	user, upload := seedUpload(t, st, "some notes")

	job, err := o.Submit(user, upload)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForTerminal(t, st, job.ID)
	if done.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "model overloaded") {
		t.Fatalf("job error = %q, want the generator failure", done.Error)
	}
	if done.ReportPath != "" {
		t.Fatalf("failed job has report path %q", done.ReportPath)
	}
	if done.CompletedAt == nil {
		t.Fatal("failed job has no completed_at")
	}
}

func TestUploadWithoutUsableFilesFails(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	o, st, _ := newTestOrchestrator(t, gen)
	user, _ := seedUpload(t, st, "ignored")

	upload := domain.Upload{
		ID:     "upload-empty",
		UserID: user.ID,
		Files:  []domain.FileInfo{{Name: "photo.png", Path: "/nowhere/photo.png"}},
	}
	if err := st.SaveUpload(upload); err != nil {
		t.Fatalf("save upload: %v", err)
	}

	job, err := o.Submit(user, upload)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForTerminal(t, st, job.ID)
	if done.Status != domain.JobFailed {
		t.Fatalf("job status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "no usable files") {
		t.Fatalf("job error = %q", done.Error)
	}
	if gen.prompt != "" {
		t.Error("generator was called for an upload with no usable files")
	}
}

func TestStageProgressIsMonotone(t *testing.T) {
	gen := &fakeGenerator{reply: "# Abstract\n\nFindings."}
	o, st, _ := newTestOrchestrator(t, gen)
	_, upload := seedUpload(t, st, "field notes")

	var fractions []float64
	var stages []string
	emit := func(f float64, stage string) {
		fractions = append(fractions, f)
		stages = append(stages, stage)
	}
	job := domain.Job{ID: "job-direct", UserID: upload.UserID, UploadID: upload.ID}
	if _, err := o.generate(job, upload, emit); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(fractions) < 2 {
		t.Fatalf("too few progress events: %v", fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, fractions)
		}
	}
	last := fractions[len(fractions)-1]
	if last != 1.0 {
		t.Fatalf("final progress = %v, want 1.0", last)
	}
	if stages[len(stages)-1] != "Complete" {
		t.Fatalf("final stage = %q", stages[len(stages)-1])
	}
}
