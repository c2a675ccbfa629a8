package realtime

// AssistProfile carries the chat-completions side of a vendor account: the
// base URL and the models used for text-mode conversation, task assessment
// and out-of-band vision analysis.
type AssistProfile struct {
	BaseURL     string
	ChatModel   string
	JudgeModel  string
	VisionModel string
}

var assistProfiles = map[Vendor]AssistProfile{
	VendorQwen: {
		BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
		ChatModel:   "qwen3-235b-a22b-instruct-2507",
		JudgeModel:  "qwen3-next-80b-a3b-instruct",
		VisionModel: "qwen3-vl-plus-2025-09-23",
	},
	VendorGPT: {
		BaseURL:     "https://api.openai.com/v1",
		ChatModel:   "gpt-5-chat-latest",
		JudgeModel:  "gpt-4.1-mini",
		VisionModel: "gpt-5-chat-latest",
	},
	VendorGLM: {
		BaseURL:     "https://open.bigmodel.cn/api/paas/v4",
		ChatModel:   "glm-4.5-air",
		JudgeModel:  "glm-4.5-flash",
		VisionModel: "glm-4.6v-flash",
	},
	VendorStep: {
		BaseURL:     "https://api.stepfun.com/v1",
		ChatModel:   "step-2-mini",
		JudgeModel:  "step-2-mini",
		VisionModel: "step-1o-turbo-vision",
	},
	VendorFree: {
		BaseURL:     "https://lanlan.tech/text/v1",
		ChatModel:   "free-model",
		JudgeModel:  "free-model",
		VisionModel: "free-vision-model",
	},
}

// AssistProfileFor returns the chat-side profile for a vendor. Gemini has no
// chat-side profile; its assist features ride on another vendor's account.
func AssistProfileFor(v Vendor) (AssistProfile, bool) {
	p, ok := assistProfiles[v]
	return p, ok
}
