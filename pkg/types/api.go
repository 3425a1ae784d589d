package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Required prompt text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional system prompt; when set the prompt is wrapped in the model family's chat template.
	// example: You are a terse poet.
	SystemPrompt string `json:"system_prompt,omitempty" example:"You are a terse poet."`
	// Maximum number of new tokens to generate. 0 means 256.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random). Omitted means 0.7; 0 is greedy.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability. Omitted means 0.9.
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens. Omitted means 40; 0 disables the limit.
	// example: 40
	TopK *int `json:"top_k,omitempty" example:"40"`
	// Repeat penalty. Omitted means 1.1.
	// example: 1.1
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Ordered stop sequences; the first one the output ends with stops generation.
	// example: ["\n\n","END"]
	StopSequences []string `json:"stop_sequences,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Alias of stop_sequences, appended after it.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; omitted lets the runtime choose.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
}

// GenerateEvent is one NDJSON line of a POST /generate stream.
type GenerateEvent struct {
	// Event kind: started, token, completed, error, cancelled.
	// example: token
	Event string `json:"event" example:"token"`
	// Handle id, present on every line.
	// example: 2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d
	ID string `json:"id" example:"2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d"`
	// Token fragment (token events).
	// example:  ocean
	Token string `json:"token,omitempty" example:" ocean"`
	// Full generated text (completed events).
	Text string `json:"text,omitempty"`
	// Error message (error events).
	Error string `json:"error,omitempty"`
	// Tokens generated so far.
	// example: 12
	Tokens int `json:"tokens,omitempty" example:"12"`
	// Throughput at the terminal event.
	// example: 31.5
	TokensPerSecond float64 `json:"tokens_per_second,omitempty" example:"31.5"`
}

// HandleStatus is a point-in-time view of one generation.
type HandleStatus struct {
	// example: 2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d
	ID string `json:"id" example:"2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d"`
	// example: qwen2.5-0.5b-instruct-q4_k_m.gguf
	ModelID string `json:"model_id" example:"qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// One of pending, running, completed, cancelled, error.
	// example: running
	Status string `json:"status" example:"running"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
	// example: 12
	TokensGenerated int `json:"tokens_generated" example:"12"`
	// example: 0.38
	ElapsedSeconds float64 `json:"elapsed_seconds" example:"0.38"`
	// example: 31.5
	TokensPerSecond float64 `json:"tokens_per_second" example:"31.5"`
	// example: false
	CancelRequested bool `json:"cancel_requested" example:"false"`
	// Start time (unix milliseconds); 0 while pending.
	// example: 1700000000000
	StartedUnixMs int64 `json:"started_unix_ms" example:"1700000000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// example: true
	Loaded bool `json:"loaded" example:"true"`
	// example: qwen2.5-0.5b-instruct-q4_k_m.gguf
	ModelID string `json:"model_id" example:"qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// example: /home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf
	ModelPath string `json:"model_path" example:"/home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// example: 2048
	ContextLength int `json:"context_length" example:"2048"`
	// example: 4
	NThreads int `json:"n_threads" example:"4"`
	// example: 0
	NGPULayers int `json:"n_gpu_layers" example:"0"`
	// example: false
	Generating bool `json:"generating" example:"false"`
	// Compute backend name: CPU, CUDA, Metal, Vulkan, Unknown.
	// example: CPU
	Backend string `json:"backend" example:"CPU"`
	// example: false
	GPUAvailable bool `json:"gpu_available" example:"false"`
	// example: 8589934592
	AvailableMemoryBytes uint64 `json:"available_memory_bytes" example:"8589934592"`
	// example: 4
	RecommendedThreads int `json:"recommended_threads" example:"4"`
	// Prompt template used when a system prompt is given.
	// example: chatml
	PromptFormat string `json:"prompt_format,omitempty" example:"chatml"`
	// Id of the generation currently running, if any.
	ActiveHandleID string `json:"active_handle_id,omitempty"`
}

// LoadRequest selects a model for POST /load.
type LoadRequest struct {
	// Registry id or path to a .gguf file.
	// example: qwen2.5-0.5b-instruct-q4_k_m.gguf
	Model string `json:"model" example:"qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// Context window in tokens. 0 uses the server default.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
	// Optional override of the prompt template (chatml, llama3, mistral, gemma, phi3, raw).
	// example: chatml
	PromptFormat string `json:"prompt_format,omitempty" example:"chatml"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// GenerationRecord is one persisted generation from the journal.
type GenerationRecord struct {
	ID              string  `json:"id"`
	ModelID         string  `json:"model_id"`
	PromptHash      string  `json:"prompt_hash"`
	MaxTokens       int     `json:"max_tokens"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
	TokensGenerated int     `json:"tokens_generated"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	StartedUnixMs   int64   `json:"started_unix_ms"`
	FinishedUnixMs  int64   `json:"finished_unix_ms,omitempty"`
}

// GenerationsResponse is returned by GET /generations.
type GenerationsResponse struct {
	Generations []GenerationRecord `json:"generations"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// CancelResponse is returned by POST /generations/{id}/cancel.
type CancelResponse struct {
	// example: 2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d
	ID string `json:"id" example:"2f1c6a7e-3f0e-4a53-9a3c-1d2f5e6b7c8d"`
	// False when id is not the active generation.
	// example: true
	CancelRequested bool `json:"cancel_requested" example:"true"`
}
