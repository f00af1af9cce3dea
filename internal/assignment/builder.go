package assignment

import (
	"context"
	"fmt"

	"bongard-study-service/internal/config"
	"bongard-study-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

// PoolSource loads the raw items of one category pool.
type PoolSource interface {
	Pool(ctx context.Context, category string) ([]domain.RawItem, error)
}

// AssetVerifier confirms that a pool-relative asset is deployed.
type AssetVerifier interface {
	Exists(ctx context.Context, relPath string) error
}

// Assignment is the ordered question list built for one participant.
type Assignment struct {
	ParticipantID string            `json:"participant_id"`
	Group         int               `json:"assigned_group"`
	Questions     []domain.Question `json:"questions"`
}

// IDs returns the question identifiers in assignment order.
func (a Assignment) IDs() []string {
	ids := make([]string, len(a.Questions))
	for i, q := range a.Questions {
		ids[i] = q.ID
	}
	return ids
}

// CategoryMap maps every question identifier to its category.
func (a Assignment) CategoryMap() map[string]string {
	m := make(map[string]string, len(a.Questions))
	for _, q := range a.Questions {
		m[q.ID] = q.Category
	}
	return m
}

// Builder produces participant assignments from category pools.
type Builder struct {
	study    config.Study
	pools    PoolSource
	verifier AssetVerifier
	random   func() Source
}

// Option customises a Builder.
type Option func(*Builder)

// WithAssetVerifier checks every derived query asset before it is handed out.
func WithAssetVerifier(v AssetVerifier) Option {
	return func(b *Builder) { b.verifier = v }
}

// WithRandomSource overrides the source used when randomize_assignment is set.
func WithRandomSource(fn func() Source) Option {
	return func(b *Builder) { b.random = fn }
}

func NewBuilder(study config.Study, pools PoolSource, opts ...Option) *Builder {
	b := &Builder{study: study, pools: pools, random: NewRandom}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Study returns the configuration the builder was created with.
func (b *Builder) Study() config.Study {
	return b.study
}

// Build samples min(n_per_category, pool size) items from every category in
// category_order and optionally shuffles the concatenation. With
// randomize_assignment off the result depends only on participantID.
func (b *Builder) Build(ctx context.Context, participantID string, group int) (Assignment, error) {
	if !b.study.SupportsGroup(group) {
		return Assignment{}, domain.Configurationf("group %d is not supported", group)
	}
	for _, cat := range b.study.CategoryOrder {
		if _, ok := b.study.MetadataFiles[cat]; !ok {
			return Assignment{}, domain.Configurationf("no pool configured for category %q", cat)
		}
	}

	pools, err := b.loadPools(ctx)
	if err != nil {
		return Assignment{}, err
	}

	// Sampling and the inter-category shuffle draw from separate generators so
	// neither knob shifts the other's stream.
	sampler := b.source(participantID)
	questions := make([]domain.Question, 0, len(b.study.CategoryOrder)*b.study.NPerCategory)
	seen := make(map[string]string)
	for i, cat := range b.study.CategoryOrder {
		pool := pools[i]
		n := min(b.study.NPerCategory, len(pool))
		picked := Shuffle(pool, sampler)[:n]
		for _, item := range picked {
			q, err := b.toQuestion(ctx, cat, item)
			if err != nil {
				return Assignment{}, err
			}
			if prev, dup := seen[q.ID]; dup {
				return Assignment{}, domain.Configurationf("question %q appears in pools %q and %q", q.ID, prev, cat)
			}
			seen[q.ID] = cat
			questions = append(questions, q)
		}
	}

	if b.study.ShuffleCategories {
		questions = Shuffle(questions, b.source(participantID))
	}

	return Assignment{ParticipantID: participantID, Group: group, Questions: questions}, nil
}

func (b *Builder) source(participantID string) Source {
	if b.study.RandomizeAssignment {
		return b.random()
	}
	return NewSeeded(participantID)
}

func (b *Builder) loadPools(ctx context.Context) ([][]domain.RawItem, error) {
	pools := make([][]domain.RawItem, len(b.study.CategoryOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range b.study.CategoryOrder {
		i, cat := i, cat
		g.Go(func() error {
			items, err := b.pools.Pool(gctx, cat)
			if err != nil {
				return fmt.Errorf("load pool %q: %w", cat, err)
			}
			pools[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pools, nil
}

func (b *Builder) toQuestion(ctx context.Context, category string, item domain.RawItem) (domain.Question, error) {
	prefix := b.study.PathPrefixes[category]
	query, err := queryAsset(item.TestID, item.Images.Pos)
	if err != nil {
		return domain.Question{}, err
	}
	query = rewritePrefix(query, prefix)
	if b.verifier != nil {
		if err := b.verifier.Exists(ctx, query); err != nil {
			return domain.Question{}, fmt.Errorf("item %q: query image: %w", item.TestID, err)
		}
	}

	resolve := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, p := range paths {
			out[i] = publicPath(b.study.ImageBasePath, rewritePrefix(p, prefix))
		}
		return out
	}

	concept := item.ConceptUI
	if concept == "" {
		concept = item.Concept
	}
	return domain.Question{
		ID:             item.TestID,
		Concept:        concept,
		Category:       category,
		PositiveImages: resolve(item.Images.Pos),
		NegativeImages: resolve(item.Images.Neg),
		QueryImage:     publicPath(b.study.ImageBasePath, query),
	}, nil
}
