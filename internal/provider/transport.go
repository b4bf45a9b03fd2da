package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/recon"
)

type chatResult struct {
	content      string
	finishReason string
	endpoint     string
	apiStyle     string
}

func (c *Client) callOpenAICompatible(providerName string, providerCfg config.ProviderConfig, prompt string) (recon.Payload, error) {
	baseURL, headers, model, _, _, err := c.openAICompatibleContext(providerName, providerCfg)
	if err != nil {
		return recon.Payload{}, err
	}

	var content string
	if providerName == "lm_studio" {
		result, err := c.postLMStudioChatWithFallback(baseURL, headers, model, prompt, floatPtr(0.2), intPtr(maxResponseTokens))
		if err != nil {
			return recon.Payload{}, err
		}
		content = result.content
	} else {
		endpoint := baseURL + "/chat/completions"
		payload := chatCompletionPayload(providerName, model, prompt, 0.2, maxResponseTokens)
		content, err = c.postChatWithRetry(providerName, endpoint, headers, payload)
		if err != nil {
			return recon.Payload{}, err
		}
	}
	return parsePayload(content)
}

func (c *Client) probeOpenAICompatible(providerName string, providerCfg config.ProviderConfig, started time.Time) ProbeResult {
	authHeaderSent := false
	endpointUsed := ""
	apiStyle := "openai_compatible"

	baseURL, headers, model, discovered, autoSelected, err := c.openAICompatibleContext(providerName, providerCfg)
	if err != nil {
		return ProbeResult{Provider: providerName, AuthHeaderSent: authHeaderSent, Error: err.Error()}
	}
	authHeaderSent = hasAuthorizationHeader(headers)

	var content string
	if providerName == "lm_studio" {
		result, callErr := c.postLMStudioChatWithFallback(baseURL, headers, model, probePrompt, floatPtr(0.0), intPtr(120))
		if callErr != nil {
			return ProbeResult{Provider: providerName, AuthHeaderSent: authHeaderSent, Error: callErr.Error()}
		}
		content = result.content
		endpointUsed = result.endpoint
		apiStyle = result.apiStyle
		if apiStyle == "" {
			apiStyle = "lmstudio_native"
		}
	} else {
		endpointUsed = baseURL + "/chat/completions"
		payload := chatCompletionPayload(providerName, model, probePrompt, 0.0, 120)
		var callErr error
		content, callErr = c.postChatWithRetry(providerName, endpointUsed, headers, payload)
		if callErr != nil {
			return ProbeResult{Provider: providerName, AuthHeaderSent: authHeaderSent, Error: callErr.Error()}
		}
	}

	parsed, err := parsePayload(content)
	if err != nil {
		return ProbeResult{Provider: providerName, AuthHeaderSent: authHeaderSent, Error: err.Error()}
	}
	if len(parsed.Actions) == 0 {
		return ProbeResult{Provider: providerName, AuthHeaderSent: authHeaderSent, Error: "provider returned an empty actions list"}
	}

	if len(discovered) > 12 {
		discovered = discovered[:12]
	}
	return ProbeResult{
		OK:                true,
		Provider:          providerName,
		BaseURL:           baseURL,
		Model:             model,
		AuthHeaderSent:    authHeaderSent,
		Endpoint:          endpointUsed,
		APIStyle:          apiStyle,
		AutoSelectedModel: autoSelected,
		DiscoveredModels:  discovered,
		LatencyMS:         time.Since(started).Milliseconds(),
	}
}

func (c *Client) openAICompatibleContext(providerName string, providerCfg config.ProviderConfig) (string, map[string]string, string, []string, bool, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(providerCfg.BaseURL), "/")
	if baseURL == "" {
		return "", nil, "", nil, false, errorf("base URL is required for provider %s", providerName)
	}

	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if providerName == "openai" && apiKey == "" {
		return "", nil, "", nil, false, errorf("API key is required for provider openai")
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}

	model, discovered, autoSelected, err := c.resolveModel(providerName, providerCfg, baseURL, headers)
	if err != nil {
		return "", nil, "", nil, false, err
	}
	return baseURL, headers, model, discovered, autoSelected, nil
}

func (c *Client) resolveModel(providerName string, providerCfg config.ProviderConfig, baseURL string, headers map[string]string) (string, []string, bool, error) {
	model := strings.TrimSpace(providerCfg.Model)
	if model != "" {
		return model, nil, false, nil
	}
	if providerName == "openai" {
		return defaultOpenAIModel, nil, true, nil
	}
	if providerName != "lm_studio" {
		return "", nil, false, errorf("model is required for provider %s", providerName)
	}

	discovered, err := c.fetchLMStudioModels(baseURL, headers)
	if err != nil {
		return "", nil, false, err
	}
	if len(discovered) == 0 {
		return "", nil, false, errorf("LM Studio model is empty and no models were returned from /models. Load a model in LM Studio or set the model explicitly.")
	}
	return selectPreferredModel(discovered), discovered, true, nil
}

// fetchLMStudioModels tries each base-path candidate's /models endpoint,
// accepting both the OpenAI data[] shape and LM Studio's legacy models[].
func (c *Client) fetchLMStudioModels(baseURL string, headers map[string]string) ([]string, error) {
	authState := authStateText(headers)
	var failures []string

	for _, base := range lmStudioBaseCandidates(baseURL) {
		endpoint := base + "/models"
		status, body, err := c.doRequest(c.modelClient, "lm_studio", http.MethodGet, endpoint, headers, nil, "model_discovery")
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			continue
		}
		if status >= 300 {
			failures = append(failures, fmt.Sprintf("%s: %d %s", endpoint, status, body))
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			failures = append(failures, fmt.Sprintf("%s: non-JSON response (%v)", endpoint, err))
			continue
		}
		if models := extractModelIDs(payload); len(models) > 0 {
			return models, nil
		}
		failures = append(failures, endpoint+": no model ids in payload")
	}

	details := "no successful model endpoint response"
	if len(failures) > 0 {
		details = strings.Join(failures, "; ")
	}
	return nil, errorf("model listing failed (%s): %s", authState, details)
}

// selectPreferredModel picks the best match among discovered model ids. The
// weights favor the models the scheduler was tuned against.
func selectPreferredModel(models []string) string {
	if len(models) == 0 {
		return ""
	}
	score := func(modelID string) int {
		name := strings.ToLower(modelID)
		value := 0
		if strings.Contains(name, "o3") {
			value += 100
		}
		if strings.Contains(name, "7b") {
			value += 35
		}
		if strings.Contains(name, "instruct") {
			value += 12
		}
		if strings.Contains(name, "chat") {
			value += 8
		}
		return value
	}

	best := models[0]
	bestScore := score(best)
	for _, modelID := range models[1:] {
		if s := score(modelID); s > bestScore {
			best = modelID
			bestScore = s
		}
	}
	return best
}

func chatCompletionPayload(providerName, model, prompt string, temperature float64, maxTokens int) map[string]any {
	payload := map[string]any{
		"model": model,
		"messages": []any{
			map[string]any{"role": "system", "content": "Return strict JSON only."},
			map[string]any{"role": "user", "content": prompt},
		},
	}
	setChatTemperature(payload, providerName, temperature)
	setChatTokenLimit(payload, providerName, maxTokens)
	return payload
}

// Some OpenAI endpoints reject explicit temperature values and only accept
// model defaults, so temperature is omitted for provider=openai.
func setChatTemperature(payload map[string]any, providerName string, temperature float64) {
	if providerName == "openai" {
		delete(payload, "temperature")
		return
	}
	payload["temperature"] = temperature
}

func setChatTokenLimit(payload map[string]any, providerName string, maxTokens int) {
	if providerName == "openai" {
		payload["max_completion_tokens"] = maxTokens
		delete(payload, "max_tokens")
		return
	}
	payload["max_tokens"] = maxTokens
}

func chatTokenLimit(payload map[string]any) int {
	for _, key := range []string{"max_completion_tokens", "max_tokens"} {
		switch v := payload[key].(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return maxResponseTokens
}

const retryInstruction = "IMPORTANT RETRY: Return compact JSON only, with short rationales and no extra text."

func appendRetryInstruction(payload map[string]any) {
	messages, _ := payload["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		item, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(stringOf(item["role"]))) != "user" {
			continue
		}
		content := stringOf(item["content"])
		if strings.Contains(content, "IMPORTANT RETRY:") {
			return
		}
		item["content"] = content + "\n\n" + retryInstruction
		return
	}
}

// postChatWithRetry retries only for openai, and only when the model came
// back empty with finish_reason=="length" — a truncated reasoning-model
// response. Each retry doubles the token ceiling (at least +200) up to
// maxOpenAIRetryTokens and appends a one-time conciseness instruction.
func (c *Client) postChatWithRetry(providerName, endpoint string, headers map[string]string, payload map[string]any) (string, error) {
	retriable := providerName == "openai"
	tokenLimit := chatTokenLimit(payload)

	for attempt := 1; attempt <= maxOpenAIRetries; attempt++ {
		result, err := c.postChatDetailed(providerName, endpoint, headers, payload)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(result.content) != "" {
			return result.content, nil
		}
		if !retriable || result.finishReason != "length" {
			return result.content, nil
		}
		if attempt >= maxOpenAIRetries {
			return result.content, nil
		}

		doubled := tokenLimit * 2
		if doubled < tokenLimit+200 {
			doubled = tokenLimit + 200
		}
		if doubled > maxOpenAIRetryTokens {
			doubled = maxOpenAIRetryTokens
		}
		tokenLimit = doubled
		setChatTokenLimit(payload, providerName, tokenLimit)
		appendRetryInstruction(payload)
	}
	return "", nil
}

func (c *Client) postChatDetailed(providerName, endpoint string, headers map[string]string, payload map[string]any) (chatResult, error) {
	authState := authStateText(headers)
	status, body, err := c.doRequest(c.chatClient, providerName, http.MethodPost, endpoint, headers, payload, "openai_compatible")
	if err != nil {
		return chatResult{}, errorf("%s request failed (%s): %w", providerName, authState, err)
	}
	if status >= 300 {
		return chatResult{}, errorf("%s API error (%s): %d %s", providerName, authState, status, body)
	}

	var data struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return chatResult{}, errorf("%s API returned non-JSON response: %w", providerName, err)
	}
	if len(data.Choices) == 0 {
		return chatResult{}, errorf("%s response has no choices", providerName)
	}

	first := data.Choices[0]
	return chatResult{
		content:      decodeMessageContent(first.Message.Content),
		finishReason: strings.ToLower(strings.TrimSpace(first.FinishReason)),
		endpoint:     endpoint,
		apiStyle:     "openai_compatible",
	}, nil
}

// decodeMessageContent accepts both the plain-string content and the
// content-blocks list some gateways return.
func decodeMessageContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var chunks []string
	for _, block := range blocks {
		if entry, ok := block.(map[string]any); ok {
			chunks = append(chunks, stringOf(entry["text"]))
			continue
		}
		chunks = append(chunks, stringOf(block))
	}
	return strings.Join(chunks, "")
}

// postLMStudioChatWithFallback tries each endpoint/shape combination in
// order until one succeeds, collecting per-endpoint failures. Base URLs
// ending in /api/v1 try the native shape first.
func (c *Client) postLMStudioChatWithFallback(baseURL string, headers map[string]string, model, prompt string, temperature *float64, maxTokens *int) (chatResult, error) {
	var failures []string

	styles := []string{"openai", "native"}
	if strings.HasSuffix(strings.TrimRight(baseURL, "/"), "/api/v1") {
		styles = []string{"native", "openai"}
	}

	for _, style := range styles {
		if style == "openai" {
			for _, base := range lmStudioBaseCandidates(baseURL) {
				endpoint := base + "/chat/completions"
				payload := map[string]any{
					"model": model,
					"messages": []any{
						map[string]any{"role": "system", "content": "Return strict JSON only."},
						map[string]any{"role": "user", "content": prompt},
					},
				}
				if temperature != nil {
					payload["temperature"] = *temperature
				}
				if maxTokens != nil {
					payload["max_tokens"] = *maxTokens
				}
				result, err := c.postChatDetailed("lm_studio", endpoint, headers, payload)
				if err == nil {
					result.apiStyle = "openai_compatible"
					return result, nil
				}
				failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			}
			continue
		}
		for _, endpoint := range lmStudioNativeChatEndpoints(baseURL) {
			payload := map[string]any{
				"model":         model,
				"system_prompt": "Return strict JSON only.",
				"input":         prompt,
			}
			if temperature != nil {
				payload["temperature"] = *temperature
			}
			content, err := c.postLMStudioNativeChat(endpoint, headers, payload)
			if err == nil {
				return chatResult{content: content, endpoint: endpoint, apiStyle: "lmstudio_native"}, nil
			}
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
		}
	}

	return chatResult{}, errorf("LM Studio request failed across endpoints: %s", strings.Join(failures, "; "))
}

func (c *Client) postLMStudioNativeChat(endpoint string, headers map[string]string, payload map[string]any) (string, error) {
	authState := authStateText(headers)
	status, body, err := c.doRequest(c.chatClient, "lm_studio", http.MethodPost, endpoint, headers, payload, "lmstudio_native")
	if err != nil {
		return "", errorf("lm_studio request failed (%s): %w", authState, err)
	}
	if status >= 300 {
		return "", errorf("lm_studio API error (%s): %d %s", authState, status, body)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return "", errorf("lm_studio API returned non-JSON response: %w", err)
	}

	switch output := data["output"].(type) {
	case string:
		return output, nil
	case []any:
		var chunks []string
		for _, item := range output {
			var chunk string
			if entry, ok := item.(map[string]any); ok {
				chunk = stringOf(entry["content"])
			} else {
				chunk = stringOf(item)
			}
			if strings.TrimSpace(chunk) != "" {
				chunks = append(chunks, chunk)
			}
		}
		if joined := strings.Join(chunks, "\n"); strings.TrimSpace(joined) != "" {
			return joined, nil
		}
	}

	if message, ok := data["message"].(string); ok && strings.TrimSpace(message) != "" {
		return message, nil
	}
	return "", errorf("lm_studio native chat response had no output content")
}

func (c *Client) callClaude(providerCfg config.ProviderConfig, prompt string) (recon.Payload, error) {
	model := strings.TrimSpace(providerCfg.Model)
	if model == "" {
		return recon.Payload{}, errorf("model is required for provider claude")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(providerCfg.BaseURL), "/")
	if baseURL == "" {
		return recon.Payload{}, errorf("base URL is required for provider claude")
	}
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return recon.Payload{}, errorf("API key is required for provider claude")
	}

	endpoint := baseURL + "/v1/messages"
	headers := map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
	payload := map[string]any{
		"model":       model,
		"max_tokens":  600,
		"temperature": 0.2,
		"messages": []any{
			map[string]any{"role": "user", "content": prompt},
		},
	}

	status, body, err := c.doRequest(c.chatClient, "claude", http.MethodPost, endpoint, headers, payload, "anthropic_messages")
	if err != nil {
		return recon.Payload{}, errorf("claude request failed: %w", err)
	}
	if status >= 300 {
		return recon.Payload{}, errorf("claude API error: %d %s", status, body)
	}

	var data struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return recon.Payload{}, errorf("claude API returned non-JSON response: %w", err)
	}
	var chunks []string
	for _, part := range data.Content {
		if part.Type == "text" {
			chunks = append(chunks, part.Text)
		}
	}
	return parsePayload(strings.Join(chunks, "\n"))
}

func (c *Client) probeClaude(providerCfg config.ProviderConfig, started time.Time) ProbeResult {
	payload, err := c.callClaude(providerCfg, probePrompt)
	if err != nil {
		return ProbeResult{Provider: "claude", Error: err.Error()}
	}
	if len(payload.Actions) == 0 {
		return ProbeResult{Provider: "claude", Error: "provider returned an empty actions list"}
	}
	return ProbeResult{
		OK:               true,
		Provider:         "claude",
		BaseURL:          strings.TrimRight(strings.TrimSpace(providerCfg.BaseURL), "/"),
		Model:            strings.TrimSpace(providerCfg.Model),
		DiscoveredModels: []string{},
		LatencyMS:        time.Since(started).Milliseconds(),
	}
}

// doRequest performs one HTTP exchange and records it in the audit log,
// whether it succeeded or not. Returns status code and body text.
func (c *Client) doRequest(client *http.Client, providerName, method, endpoint string, headers map[string]string, payload map[string]any, apiStyle string) (int, string, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, "", fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, endpoint, bodyReader)
	if err != nil {
		c.audit.record(providerName, method, endpoint, apiStyle, headers, payload, 0, "", err.Error())
		return 0, "", err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.audit.record(providerName, method, endpoint, apiStyle, headers, payload, 0, "", err.Error())
		return 0, "", err
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	c.audit.record(providerName, method, endpoint, apiStyle, headers, payload, resp.StatusCode, body, "")
	if readErr != nil {
		return resp.StatusCode, body, fmt.Errorf("read response: %w", readErr)
	}
	return resp.StatusCode, body, nil
}

// lmStudioBaseCandidates expands a configured base URL into the /v1 and
// /api/v1 variants LM Studio has shipped over time, configured form first.
func lmStudioBaseCandidates(baseURL string) []string {
	raw := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if raw == "" {
		return nil
	}
	candidates := []string{raw}
	switch {
	case strings.HasSuffix(raw, "/api/v1"):
		candidates = append(candidates, strings.TrimSuffix(raw, "/api/v1")+"/v1")
	case strings.HasSuffix(raw, "/v1"):
		candidates = append(candidates, strings.TrimSuffix(raw, "/v1")+"/api/v1")
	default:
		candidates = append(candidates, raw+"/v1", raw+"/api/v1")
	}
	return uniqueStrings(candidates)
}

func lmStudioNativeChatEndpoints(baseURL string) []string {
	var apiBases []string
	for _, base := range lmStudioBaseCandidates(baseURL) {
		if strings.HasSuffix(base, "/api/v1") {
			apiBases = append(apiBases, base)
		}
	}
	if len(apiBases) == 0 {
		for _, base := range lmStudioBaseCandidates(baseURL) {
			if strings.HasSuffix(base, "/v1") {
				apiBases = append(apiBases, strings.TrimSuffix(base, "/v1")+"/api/v1")
			}
		}
	}
	endpoints := make([]string, 0, len(apiBases))
	for _, base := range uniqueStrings(apiBases) {
		endpoints = append(endpoints, base+"/chat")
	}
	return endpoints
}

func extractModelIDs(payload map[string]any) []string {
	var models []string

	if items, ok := payload["data"].([]any); ok {
		for _, item := range items {
			var modelID string
			if entry, ok := item.(map[string]any); ok {
				modelID = strings.TrimSpace(stringOf(entry["id"]))
			} else {
				modelID = strings.TrimSpace(stringOf(item))
			}
			if modelID != "" {
				models = append(models, modelID)
			}
		}
	}

	if items, ok := payload["models"].([]any); ok {
		for _, item := range items {
			var modelID string
			if entry, ok := item.(map[string]any); ok {
				modelID = strings.TrimSpace(stringOf(entry["id"]))
				if modelID == "" {
					modelID = strings.TrimSpace(stringOf(entry["key"]))
				}
				if modelID == "" {
					modelID = strings.TrimSpace(stringOf(entry["display_name"]))
				}
			} else {
				modelID = strings.TrimSpace(stringOf(item))
			}
			if modelID != "" {
				models = append(models, modelID)
			}
		}
	}

	return uniqueStrings(models)
}

func uniqueStrings(values []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, value := range values {
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func hasAuthorizationHeader(headers map[string]string) bool {
	return strings.TrimSpace(headers["Authorization"]) != ""
}

func authStateText(headers map[string]string) string {
	if hasAuthorizationHeader(headers) {
		return "auth header sent"
	}
	return "auth header missing"
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
