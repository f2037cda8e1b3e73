package domain

import "context"

// LocalServerModel is the pseudo model ID that routes chat to the REST backend
// instead of the worker-hosted engine.
const LocalServerModel = "Local Server"

// ModelRecord describes a single model the engine can load.
type ModelRecord struct {
	ModelURL         string   `json:"model_url" yaml:"model_url"`
	LocalID          string   `json:"local_id" yaml:"local_id"`
	RequiredFeatures []string `json:"required_features,omitempty" yaml:"required_features,omitempty"`
}

// AppConfig is the model catalogue handed to the engine on reload.
type AppConfig struct {
	ModelList   []ModelRecord     `json:"model_list" yaml:"model_list"`
	ModelLibMap map[string]string `json:"model_lib_map,omitempty" yaml:"model_lib_map,omitempty"`
}

// FindModel returns the record whose LocalID matches id.
func (c *AppConfig) FindModel(id string) (ModelRecord, bool) {
	if c == nil {
		return ModelRecord{}, false
	}
	for _, m := range c.ModelList {
		if m.LocalID == id {
			return m, true
		}
	}
	return ModelRecord{}, false
}

// ModelIDs returns the LocalID of every model in list order.
func (c *AppConfig) ModelIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.ModelList))
	for _, m := range c.ModelList {
		ids = append(ids, m.LocalID)
	}
	return ids
}

// ChatOptions overrides the model's chat config on reload. Zero values mean
// "keep the model default".
type ChatOptions struct {
	Temperature       float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	MaxGenLen         int     `json:"max_gen_len,omitempty" yaml:"max_gen_len,omitempty"`
	ConvTemplate      string  `json:"conv_template,omitempty" yaml:"conv_template,omitempty"`
}

// InitProgressReport is emitted while an engine loads a model.
type InitProgressReport struct {
	Progress    float64 `json:"progress"`    // 0..1
	TimeElapsed float64 `json:"timeElapsed"` // seconds
	Text        string  `json:"text"`
}

// InitProgressFunc receives model loading reports.
type InitProgressFunc func(report InitProgressReport)

// GenerateProgressFunc receives the step counter and the cumulative output of
// an in-flight generation.
type GenerateProgressFunc func(step int, currentMessage string)

// ChatEngine is the capability set of an inference engine. Implementations
// must tolerate InterruptGenerate being called while Generate is running.
type ChatEngine interface {
	SetInitProgressCallback(cb InitProgressFunc)
	Reload(ctx context.Context, modelID string, opts *ChatOptions, app *AppConfig) error
	Generate(ctx context.Context, input string, onProgress GenerateProgressFunc, streamInterval int) (string, error)
	RuntimeStatsText(ctx context.Context) (string, error)
	InterruptGenerate(ctx context.Context) error
	Unload(ctx context.Context) error
	ResetChat(ctx context.Context) error
}
