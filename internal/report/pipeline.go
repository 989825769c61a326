package report

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"velvet/pkg/docwriter"
	"velvet/pkg/domain"
	"velvet/pkg/extract"
)

var dataExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xls":  true,
}

var documentExtensions = map[string]bool{
	".docx": true,
	".pdf":  true,
	".txt":  true,
}

const (
	documentCharBudget = 15000
	dataCharBudget     = 4000
	previewMaxRows     = 20
	extractConcurrency = 4
)

// generate walks one upload through the full stage sequence and returns the
// path of the rendered manuscript. emit publishes stage boundaries as they are
// crossed; the final emit at 1.0 happens only after the document is on disk.
func (o *Orchestrator) generate(job domain.Job, upload domain.Upload, emit func(float64, string)) (string, error) {
	emit(0.1, "Loading files")
	dataFiles, docFiles := splitByKind(upload.Files)
	if len(dataFiles) == 0 && len(docFiles) == 0 {
		return "", errors.New("no usable files in upload")
	}

	emit(0.3, "Extracting research context")
	docSections := extractSections(docFiles, extract.Text)

	emit(0.4, "Reading data files")
	dataSections := extractSections(dataFiles, func(path string) (string, bool) {
		return extract.PreviewTable(path, previewMaxRows)
	})

	emit(0.5, "Generating manuscript")
	prompt := buildPrompt(docSections, dataSections)
	ctx, cancel := o.generationContext()
	defer cancel()
	manuscript, err := o.gen.GenerateText(ctx, prompt, o.maxOutputTokens)
	if err != nil {
		return "", fmt.Errorf("generate manuscript: %w", err)
	}
	if strings.TrimSpace(manuscript) == "" {
		return "", errors.New("generator returned empty manuscript")
	}

	emit(0.8, "Formatting document")
	reportPath := o.reportPath(job)
	if err := docwriter.WriteDocx(reportPath, "Research Manuscript", manuscript); err != nil {
		return "", fmt.Errorf("write manuscript: %w", err)
	}

	emit(0.9, "Saving report")
	emit(1.0, "Complete")
	return reportPath, nil
}

func (o *Orchestrator) reportPath(job domain.Job) string {
	stamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("manuscript_%s.docx", stamp)
	return filepath.Join(o.reportDir, job.UserID, job.ID, name)
}

// extractSections runs the extractor over the files with bounded concurrency.
// Results keep the file order of the upload; unreadable files are skipped.
func extractSections(files []domain.FileInfo, extractor func(string) (string, bool)) []string {
	results := make([]string, len(files))
	var g errgroup.Group
	g.SetLimit(extractConcurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if text, ok := extractor(f.Path); ok && text != "" {
				results[i] = fmt.Sprintf("## %s\n\n%s", f.Name, text)
			}
			return nil
		})
	}
	_ = g.Wait()

	sections := make([]string, 0, len(results))
	for _, s := range results {
		if s != "" {
			sections = append(sections, s)
		}
	}
	return sections
}

func splitByKind(files []domain.FileInfo) (data, docs []domain.FileInfo) {
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name))
		switch {
		case dataExtensions[ext]:
			data = append(data, f)
		case documentExtensions[ext]:
			docs = append(docs, f)
		}
	}
	return data, docs
}
