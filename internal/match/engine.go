package match

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"leafmatch/internal/cache"
	"leafmatch/internal/domain"
)

// Thresholds applied against the highest raw score. Experienced respondents
// get a wider recommendation set since they can handle harder care levels.
const (
	expertThresholdNum  = 5 // 0.5
	regularThresholdNum = 7 // 0.7
	thresholdDen        = 10
)

type Engine struct {
	cache    cache.MatchCache
	cacheTTL time.Duration
}

func NewEngine(cacheStore cache.MatchCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopMatchCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// ValidateBank checks at load time that every plant key awarded points by any
// answer option exists in the catalog. An unknown key is a configuration
// defect supplied by the question bank, not a runtime condition, so callers
// should treat a non-nil error as fatal.
func ValidateBank(questions []domain.QuizQuestion, catalog []domain.PlantProfile) error {
	known := make(map[string]struct{}, len(catalog))
	for _, plant := range catalog {
		known[plant.Key] = struct{}{}
	}

	for _, question := range questions {
		for _, option := range question.Options {
			for key, points := range option.Points {
				if points < 0 {
					return fmt.Errorf("question %s option %s: negative points for plant %q", question.ID, option.ID, key)
				}
				if _, ok := known[key]; !ok {
					return fmt.Errorf("question %s option %s: unknown plant key %q", question.ID, option.ID, key)
				}
			}
		}
	}

	return nil
}

// IsExpert reports whether the response contains the designated expert
// question/option pair.
func IsExpert(response domain.QuizResponse, signal domain.ExpertSignal) bool {
	if signal.QuestionID == "" || signal.OptionID == "" {
		return false
	}
	return response[signal.QuestionID] == signal.OptionID
}

// Score converts a completed quiz response into a ranked recommendation list.
// It is a pure function of its inputs; the cache only memoizes identical
// calls and never changes the result.
func (e *Engine) Score(
	ctx context.Context,
	response domain.QuizResponse,
	questions []domain.QuizQuestion,
	signal domain.ExpertSignal,
	catalog []domain.PlantProfile,
) []domain.ScoredRecommendation {
	if len(response) == 0 {
		return nil
	}

	expert := IsExpert(response, signal)

	cacheKey := buildCacheKey(response, expert, questions, catalog)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		return cached
	}

	scores := make(map[string]int, len(catalog))
	for _, plant := range catalog {
		scores[plant.Key] = 0
	}

	for _, question := range questions {
		optionID, answered := response[question.ID]
		if !answered {
			continue
		}
		for _, option := range question.Options {
			if option.ID != optionID {
				continue
			}
			for key, points := range option.Points {
				if _, ok := scores[key]; ok {
					scores[key] += points
				}
			}
			break
		}
	}

	highest := 0
	for _, score := range scores {
		if score > highest {
			highest = score
		}
	}
	if highest == 0 {
		// No answer awarded any points. A valid outcome, not an error.
		return []domain.ScoredRecommendation{}
	}

	thresholdNum := regularThresholdNum
	if expert {
		thresholdNum = expertThresholdNum
	}

	byKey := make(map[string]domain.PlantProfile, len(catalog))
	for _, plant := range catalog {
		byKey[plant.Key] = plant
	}

	kept := make([]domain.ScoredRecommendation, 0, len(scores))
	for key, score := range scores {
		// Integer comparison keeps the inclusive boundary exact:
		// score >= (num/den) * highest.
		if score*thresholdDen < thresholdNum*highest {
			continue
		}
		kept = append(kept, domain.ScoredRecommendation{
			Plant:           byKey[key],
			Score:           score,
			MatchPercentage: int(math.Round(100 * float64(score) / float64(highest))),
		})
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].Plant.Key < kept[j].Plant.Key
	})

	_ = e.cache.Set(ctx, cacheKey, kept, e.cacheTTL)
	return kept
}

// buildCacheKey digests the response together with the question bank and the
// catalog, so an admin edit to either one changes the key and a stale cached
// ranking is never served past a mutation.
func buildCacheKey(
	response domain.QuizResponse,
	expert bool,
	questions []domain.QuizQuestion,
	catalog []domain.PlantProfile,
) string {
	parts := make([]string, 0, len(response)+1)
	for questionID, optionID := range response {
		parts = append(parts, fmt.Sprintf("%s:%s", questionID, optionID))
	}
	sort.Strings(parts)
	parts = append(parts, fmt.Sprintf("x:%t", expert))

	hash := sha1.New()
	hash.Write([]byte(strings.Join(parts, "|")))

	for _, question := range questions {
		fmt.Fprintf(hash, "|q:%s", question.ID)
		for _, option := range question.Options {
			fmt.Fprintf(hash, "|o:%s", option.ID)
			keys := make([]string, 0, len(option.Points))
			for key := range option.Points {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(hash, ",%s=%d", key, option.Points[key])
			}
		}
	}

	prints := make([]string, 0, len(catalog))
	for _, plant := range catalog {
		prints = append(prints, fmt.Sprintf("|p:%s:%d:%d:%s:%s:%t",
			plant.Key, plant.PriceCents, plant.CareDifficulty, plant.Name, plant.Description, plant.Active))
	}
	sort.Strings(prints)
	for _, print := range prints {
		hash.Write([]byte(print))
	}

	return "leafmatch:quiz:" + hex.EncodeToString(hash.Sum(nil))
}
