package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"pipeflow/internal/domain"
	"pipeflow/internal/service/pipeline"
)

// PipelineCreator creates pipelines. *pipeline.Service satisfies it.
type PipelineCreator interface {
	CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error)
}

// SeedFixtures creates one pipeline per fixture file. path is either a
// fixture file or a directory whose *.yaml and *.yml files are loaded in
// name order. Every file is validated before the first pipeline is created.
func SeedFixtures(ctx context.Context, svc PipelineCreator, path string) ([]*domain.PipelineView, error) {
	files, err := fixtureFiles(path)
	if err != nil {
		return nil, err
	}

	reqs := make([]domain.CreatePipelineRequest, 0, len(files))
	for _, f := range files {
		req, err := loadFixture(f)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	views := make([]*domain.PipelineView, 0, len(reqs))
	for i, req := range reqs {
		view, err := svc.CreatePipeline(ctx, req)
		if err != nil {
			return views, fmt.Errorf("seed %s: %w", files[i], err)
		}
		views = append(views, view)
	}
	return views, nil
}

func fixtureFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(path, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, domain.ErrValidation("no fixture files in %s", path)
	}
	slices.Sort(files)
	return files, nil
}

func loadFixture(path string) (domain.CreatePipelineRequest, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return domain.CreatePipelineRequest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	req, err := pipeline.DecodePipelineFixture(f)
	if err != nil {
		return domain.CreatePipelineRequest{}, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}
