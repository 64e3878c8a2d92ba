package stage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/fetch"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
)

// Builtins holds the collaborators of the typed stages.
type Builtins struct {
	Fetcher        *fetch.Fetcher
	Transformer    *transform.Transformer
	BatchDocuments int
	Snapshot       Snapshotter
	Mirror         Mirror
	Observer       Observer
	Now            func() time.Time
	// Driver is the database/sql driver of the load stage.
	Driver string
}

func (b *Builtins) stage(k Kind) Stage {
	switch k {
	case KindAcquire:
		return &Acquire{Fetcher: b.Fetcher, Now: b.Now}
	case KindExtract:
		return &Extract{}
	case KindLoad:
		return &Load{Transformer: b.Transformer, BatchDocuments: b.BatchDocuments, Observer: b.Observer, Driver: b.Driver}
	case KindPublish:
		return &Publish{Snapshot: b.Snapshot, Mirror: b.Mirror}
	}
	return nil
}

// Default returns the typed pipeline acquire, extract, load, publish.
func (b *Builtins) Default() []Stage {
	return []Stage{b.stage(KindAcquire), b.stage(KindExtract), b.stage(KindLoad), b.stage(KindPublish)}
}

// Plan selects the stages of one feed run. A manifest "stages" list wins;
// otherwise the scripts in src/ run in name order; otherwise the typed
// built-in pipeline runs.
func Plan(fc *feed.Context, m *manifest.Manifest, b *Builtins) ([]Stage, error) {
	if len(m.Stages) > 0 {
		stages := make([]Stage, 0, len(m.Stages))
		for i, spec := range m.Stages {
			k, err := ParseKind(spec.Kind)
			if err != nil {
				return nil, fmt.Errorf("stage: manifest stages[%d]: %w", i, err)
			}
			if k != KindScript {
				stages = append(stages, b.stage(k))
				continue
			}
			path, err := fc.Join(spec.Path)
			if err != nil {
				return nil, fmt.Errorf("stage: manifest stages[%d]: %w", i, err)
			}
			stages = append(stages, &Script{Path: path, PhaseKind: phaseFromName(filepath.Base(path), i)})
		}
		return stages, nil
	}

	scripts, err := DiscoverScripts(fc.SrcDir)
	if err != nil {
		return nil, err
	}
	if len(scripts) > 0 {
		stages := make([]Stage, len(scripts))
		for i, s := range scripts {
			stages[i] = s
		}
		return stages, nil
	}
	return b.Default(), nil
}
