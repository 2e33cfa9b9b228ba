package main

import (
	"fmt"

	"github.com/atlas-desktop/consensus-trader/internal/config"
	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/orchestrator"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/internal/sentiment"
	"github.com/atlas-desktop/consensus-trader/internal/sizing"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"go.uber.org/zap"
)

// pipeline is the decision core shared by live trading and backtests
type pipeline struct {
	store     *data.Store
	registry  *strategy.Registry
	engine    *consensus.Engine
	sizer     *sizing.KellySizer
	sentiment *sentiment.Guard
}

func buildPipeline(logger *zap.Logger, cfg *config.Config) (*pipeline, error) {
	store, err := data.NewStore(logger, cfg.Data.DataDir)
	if err != nil {
		return nil, err
	}
	store.GenerateSamples = cfg.Data.GenerateSamples
	store.SampleBars = cfg.Data.SampleBars

	registry := strategy.NewBuiltinRegistry(logger)
	orch, err := orchestrator.New(logger, registry, nil, cfg.Squads)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	classifier, err := regime.NewClassifier(logger, &cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("failed to create regime classifier: %w", err)
	}
	assessor, err := risk.NewAssessor(logger, &cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk assessor: %w", err)
	}
	engine, err := consensus.NewEngine(logger, &cfg.Consensus, classifier, orch, assessor)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus engine: %w", err)
	}
	sizer, err := sizing.NewKellySizer(logger, &cfg.Sizing)
	if err != nil {
		return nil, fmt.Errorf("failed to create position sizer: %w", err)
	}
	guard, err := buildSentiment(logger, cfg.Sentiment)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		store:     store,
		registry:  registry,
		engine:    engine,
		sizer:     sizer,
		sentiment: guard,
	}, nil
}

// buildSentiment returns nil when sentiment is disabled; the vote is then absent.
func buildSentiment(logger *zap.Logger, cfg config.SentimentConfig) (*sentiment.Guard, error) {
	var provider sentiment.Provider
	switch cfg.Provider {
	case config.SentimentNone:
		return nil, nil
	case config.SentimentStatic:
		provider = sentiment.Static(cfg.Static)
	case config.SentimentHTTP:
		p, err := sentiment.NewHTTPProvider(cfg.HTTP, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create sentiment provider: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown sentiment provider %q", cfg.Provider)
	}
	return sentiment.NewGuard(logger, provider, cfg.Guard), nil
}
