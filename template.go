package bulkmail

import (
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/signature.html
var defaultSignatureTemplate string

// SignatureConfig contains the signature block appended to batch bodies.
type SignatureConfig struct {
	// Enabled indicates whether a signature is appended.
	Enabled bool `yaml:"enabled"`

	// File is an optional html/template file replacing the built-in layout.
	File string `yaml:"file"`

	// Profile is the data rendered into the template.
	Profile SignatureProfile `yaml:"profile"`
}

// SignatureProfile is the sender identity shown in the signature block.
type SignatureProfile struct {
	Name         string   `yaml:"name"`
	Title        string   `yaml:"title"`
	Organization string   `yaml:"organization"`
	Addresses    []string `yaml:"addresses"`
	Email        string   `yaml:"email"`
	Website      string   `yaml:"website"`
	Phone        string   `yaml:"phone"`

	// Messenger is a free-form contact line, e.g. "Teams: +49 176 000000".
	Messenger string `yaml:"messenger"`

	// LogoRef is the local image path. The encoder rewrites it to the inline
	// part's content identifier when the asset is available.
	LogoRef    string `yaml:"logo_ref"`
	LogoWidth  int    `yaml:"logo_width"`
	LogoHeight int    `yaml:"logo_height"`
}

// SignatureRenderer renders the signature block.
type SignatureRenderer struct {
	tmpl    *template.Template
	profile SignatureProfile
}

// NewSignatureRenderer parses the configured template, or the built-in one
// when no file is set.
func NewSignatureRenderer(config SignatureConfig) (*SignatureRenderer, error) {
	name, content := "signature.html", defaultSignatureTemplate
	if config.File != "" {
		data, err := os.ReadFile(config.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read signature template: %w", err)
		}
		name, content = config.File, string(data)
	}

	tmpl, err := template.New(name).Funcs(signatureFuncs()).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature template %s: %w", name, err)
	}

	return &SignatureRenderer{tmpl: tmpl, profile: config.Profile}, nil
}

// Render executes the template with the configured profile.
func (r *SignatureRenderer) Render() (string, error) {
	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, r.profile); err != nil {
		return "", fmt.Errorf("failed to execute signature template: %w", err)
	}
	return buf.String(), nil
}

func signatureFuncs() template.FuncMap {
	titleCaser := cases.Title(language.English)
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCaser.String,
		"trim":  strings.TrimSpace,
		"join":  strings.Join,
		"default": func(defaultValue, value string) string {
			if value == "" {
				return defaultValue
			}
			return value
		},
		// html/template rejects tel: URLs, so digits are filtered and the
		// result is marked safe.
		"tel": func(phone string) template.URL {
			var b strings.Builder
			for _, r := range phone {
				if r == '+' || (r >= '0' && r <= '9') {
					b.WriteRune(r)
				}
			}
			return template.URL("tel:" + b.String()) // #nosec G203 -- only '+' and digits
		},
		"trimScheme": func(url string) string {
			url = strings.TrimPrefix(url, "https://")
			return strings.TrimPrefix(url, "http://")
		},
	}
}
