package models

import "encoding/json"

// OutputShape names the provider result layout a URL was found in.
type OutputShape string

// Probed in this order; the first match wins.
const (
	ShapeBareString  OutputShape = "string"       // "https://..."
	ShapeVideoObject OutputShape = "video.url"    // {"video": {"url": ...}}
	ShapeVideoURL    OutputShape = "video_url"    // {"video_url": ...}
	ShapeURL         OutputShape = "url"          // {"url": ...}
	ShapeAudioObject OutputShape = "audio.url"    // {"audio": {"url": ...}}
	ShapeOutputURL   OutputShape = "output_url"   // {"output_url": ...}
	ShapeOutputList  OutputShape = "output[0]"    // {"output": ["..."]} or {"output": [{"url": ...}]}
	ShapeFile        OutputShape = "file"         // {"file": ...}
	ShapeHref        OutputShape = "href"         // {"href": ...}
	ShapeAudioFile   OutputShape = "audio_file"   // {"audio_file": {"url": ...}} (stable-audio)
	ShapeImageList   OutputShape = "images[0]"    // {"images": [{"url": ...}]} (flux)
)

// ResolvedOutput is a provider result reduced to a single asset URL.
type ResolvedOutput struct {
	URL   string
	Shape OutputShape
}

type outputProbe struct {
	shape OutputShape
	find  func(map[string]any) string
}

var outputProbes = []outputProbe{
	{ShapeVideoObject, func(m map[string]any) string { return nestedURL(m["video"]) }},
	{ShapeVideoURL, func(m map[string]any) string { return str(m["video_url"]) }},
	{ShapeURL, func(m map[string]any) string { return str(m["url"]) }},
	{ShapeAudioObject, func(m map[string]any) string { return nestedURL(m["audio"]) }},
	{ShapeOutputURL, func(m map[string]any) string { return str(m["output_url"]) }},
	{ShapeOutputList, func(m map[string]any) string {
		first := firstElem(m["output"])
		if u := nestedURL(first); u != "" {
			return u
		}
		return str(first)
	}},
	{ShapeFile, func(m map[string]any) string { return str(m["file"]) }},
	{ShapeHref, func(m map[string]any) string { return str(m["href"]) }},
	{ShapeAudioFile, func(m map[string]any) string { return nestedURL(m["audio_file"]) }},
	{ShapeImageList, func(m map[string]any) string { return nestedURL(firstElem(m["images"])) }},
}

// ResolveOutputURL reduces a provider result to one asset URL. ok is false
// when no known shape carries a non-empty URL; callers must treat that as a
// failed unit, never as an empty asset.
func ResolveOutputURL(raw json.RawMessage) (ResolvedOutput, bool) {
	if len(raw) == 0 {
		return ResolvedOutput{}, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ResolvedOutput{}, false
	}

	switch out := v.(type) {
	case string:
		if out == "" {
			return ResolvedOutput{}, false
		}
		return ResolvedOutput{URL: out, Shape: ShapeBareString}, true
	case map[string]any:
		for _, p := range outputProbes {
			if u := p.find(out); u != "" {
				return ResolvedOutput{URL: u, Shape: p.shape}, true
			}
		}
	}
	return ResolvedOutput{}, false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func nestedURL(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return str(m["url"])
}

func firstElem(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return list[0]
}
