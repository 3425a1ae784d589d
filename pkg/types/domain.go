package types

// Model represents a discoverable or loadable GGUF model on disk.
type Model struct {
	// Stable identifier for the model (file name).
	// example: qwen2.5-0.5b-instruct-q4_k_m.gguf
	ID string `json:"id" example:"qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// Human-friendly name.
	// example: qwen2.5 0.5b instruct q4_k_m
	Name string `json:"name" example:"qwen2.5 0.5b instruct q4_k_m"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf
	Path string `json:"path" example:"/home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quant string `json:"quant" example:"Q4_K_M"`
	// Prompt family detected from the file name (chatml, llama3, mistral, gemma, phi3, raw).
	// example: chatml
	Family string `json:"family,omitempty" example:"chatml"`
	// File size in bytes.
	// example: 397807936
	SizeBytes int64 `json:"size_bytes" example:"397807936"`
	// Estimated memory needed to run the model (file size x 1.2).
	// example: 477369523
	EstMemoryBytes int64 `json:"est_memory_bytes" example:"477369523"`
}
