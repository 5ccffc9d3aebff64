package trainer

import (
	"math"
	"strings"
)

// Learning-rate recommendation follows the cookbook formula
// LR(m) = lr_base * M_LoRA * (2000/H_m)^P_m, where H_m is the model's hidden
// size and P_m a per-family exponent.
const (
	lrBase            = 5e-5
	loraLRMultiplier  = 10.0
	defaultHiddenSize = 4096
)

var hiddenSizes = map[string]int{
	"meta-llama/Llama-3.2-1B":           2048,
	"meta-llama/Llama-3.2-1B-Instruct":  2048,
	"meta-llama/Llama-3.2-3B":           3072,
	"meta-llama/Llama-3.2-3B-Instruct":  3072,
	"meta-llama/Llama-3.1-8B":           4096,
	"meta-llama/Llama-3.1-8B-Instruct":  4096,
	"meta-llama/Llama-3.1-70B":          8192,
	"meta-llama/Llama-3.3-70B-Instruct": 8192,
	"Qwen/Qwen2.5-0.5B":                 896,
	"Qwen/Qwen2.5-0.5B-Instruct":        896,
	"Qwen/Qwen2.5-1.5B":                 1536,
	"Qwen/Qwen2.5-1.5B-Instruct":        1536,
	"Qwen/Qwen2.5-3B":                   2048,
	"Qwen/Qwen2.5-3B-Instruct":          2048,
	"Qwen/Qwen2.5-7B":                   3584,
	"Qwen/Qwen2.5-7B-Instruct":          3584,
	"Qwen/Qwen2.5-14B":                  5120,
	"Qwen/Qwen2.5-14B-Instruct":         5120,
	"Qwen/Qwen2.5-32B":                  5120,
	"Qwen/Qwen2.5-32B-Instruct":         5120,
	"Qwen/Qwen2.5-72B":                  8192,
	"Qwen/Qwen2.5-72B-Instruct":         8192,
}

var familyExponents = map[string]float64{
	"llama": 0.781,
	"qwen":  0.0775,
}

func hiddenSize(model string) int {
	if h, ok := hiddenSizes[model]; ok {
		return h
	}
	return defaultHiddenSize
}

func familyExponent(model string) float64 {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "llama"):
		return familyExponents["llama"]
	case strings.Contains(lower, "qwen"):
		return familyExponents["qwen"]
	default:
		// Unknown families fall back to the llama exponent.
		return familyExponents["llama"]
	}
}

// RecommendLR returns the recommended learning rate for a model. LoRA runs
// get the 10x multiplier over full fine-tuning.
func RecommendLR(model string, lora bool) float64 {
	lr := lrBase * math.Pow(2000.0/float64(hiddenSize(model)), familyExponent(model))
	if lora {
		lr *= loraLRMultiplier
	}
	return lr
}

// RecommendBatchSize scales the batch size down for larger models.
func RecommendBatchSize(model string) int {
	switch h := hiddenSize(model); {
	case h <= 2048:
		return 256
	case h <= 4096:
		return 128
	case h <= 5120:
		return 64
	default:
		return 32
	}
}

// RecommendLoRARank picks a rank appropriate for the recipe: reinforcement
// learning recipes get by with lower-rank adapters than supervised ones.
func RecommendLoRARank(recipe string) int {
	switch strings.ToLower(recipe) {
	case "math_rl", "rl":
		return 16
	default:
		return 32
	}
}

// Recommendations bundles all hyperparameter suggestions for a submission
// that did not pin its own values.
type Recommendations struct {
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	LoRARank     int     `json:"lora_rank"`
}

// Recommend computes the full hyperparameter set for a model/recipe pair.
func Recommend(model, recipe string, lora bool) Recommendations {
	return Recommendations{
		LearningRate: RecommendLR(model, lora),
		BatchSize:    RecommendBatchSize(model),
		LoRARank:     RecommendLoRARank(recipe),
	}
}
