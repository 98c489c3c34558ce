package models

import "strings"

// DefaultModel is activated on first run and whenever the active model goes
// missing.
const DefaultModel = "base"

// DefaultBaseURL hosts the ggml model files.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

const (
	mb  = 1000 * 1000
	mib = 1024 * 1024
)

// Descriptor is a static catalog entry.
type Descriptor struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Size    int64  `json:"size"`
	MinSize int64  `json:"min_size"`
	// URLTemplate names the download source. "{base}" expands to the
	// configured base URL; an empty template means base/FileName.
	URLTemplate string `json:"url_template,omitempty"`
}

var catalog = []Descriptor{
	{ID: "tiny", Title: "Tiny (75 MB)", Size: 75 * mb, MinSize: 70 * mib, URLTemplate: "{base}/ggml-tiny.bin"},
	{ID: "base", Title: "Base (142 MB)", Size: 142 * mb, MinSize: 135 * mib, URLTemplate: "{base}/ggml-base.bin"},
	{ID: "small", Title: "Small (466 MB)", Size: 466 * mb, MinSize: 440 * mib, URLTemplate: "{base}/ggml-small.bin"},
	{ID: "medium", Title: "Medium (1.5 GB)", Size: 1460 * mb, MinSize: 1400 * mib, URLTemplate: "{base}/ggml-medium.bin"},
	{ID: "large", Title: "Large (2.9 GB)", Size: 2880 * mb, MinSize: 2700 * mib, URLTemplate: "{base}/ggml-large.bin"},
}

// Catalog returns a copy of the built-in model catalog.
func Catalog() []Descriptor {
	return append([]Descriptor(nil), catalog...)
}

// Lookup finds a catalog entry by id.
func Lookup(id string) (Descriptor, bool) {
	return lookupIn(catalog, id)
}

func lookupIn(list []Descriptor, id string) (Descriptor, bool) {
	for _, d := range list {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

func (d Descriptor) FileName() string    { return "ggml-" + d.ID + ".bin" }
func (d Descriptor) PartialName() string { return d.FileName() + ".partial" }

// URL builds the download URL from the entry's template, or under base when
// the entry has none.
func (d Descriptor) URL(base string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	if d.URLTemplate == "" {
		return base + "/" + d.FileName()
	}
	return strings.ReplaceAll(d.URLTemplate, "{base}", base)
}
