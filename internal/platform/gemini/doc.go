// Package gemini implements the enrichment engine on Google's Gemini API.
//
// It is an infrastructure adapter: it turns an enrichment request (field
// prompt, item metadata, resolved context values) into a model call and
// maps the structured JSON response back to a field value plus quality
// issues. Transient API errors are retried with exponential backoff;
// safety blocks and malformed responses fail immediately.
package gemini
