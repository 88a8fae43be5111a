package normalize

import (
	_ "embed"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/padraicbc/racesync/models"
)

//go:embed codes.yaml
var codesYAML []byte

type surfaceRange struct {
	From    int    `yaml:"from"`
	To      int    `yaml:"to"`
	Surface string `yaml:"surface"`
}

type codeTable struct {
	Venues   []models.Course   `yaml:"venues"`
	Surfaces []surfaceRange    `yaml:"surfaces"`
	Sexes    map[string]string `yaml:"sexes"`
}

var (
	codesOnce sync.Once
	codes     codeTable
)

func table() *codeTable {
	codesOnce.Do(func() {
		if err := yaml.Unmarshal(codesYAML, &codes); err != nil {
			panic("normalize: bad embedded code table: " + err.Error())
		}
	})
	return &codes
}

// Courses returns every known venue as a course row.
func Courses() []models.Course {
	return append([]models.Course(nil), table().Venues...)
}

// VenueName decodes a venue code, falling back to the code itself.
func VenueName(code string) string {
	for _, v := range table().Venues {
		if v.Code == code {
			return v.Name
		}
	}
	return code
}

// LookupCourse resolves a venue code or a course name to the venue code.
func LookupCourse(codeOrName string) (string, bool) {
	for _, v := range table().Venues {
		if v.Code == codeOrName || strings.EqualFold(v.Name, codeOrName) {
			return v.Code, true
		}
	}
	return "", false
}

// Surface decodes a vendor track code.
func Surface(trackCode int) string {
	for _, s := range table().Surfaces {
		if trackCode >= s.From && trackCode <= s.To {
			return s.Surface
		}
	}
	return "unknown"
}

// Sex decodes a vendor sex code. Unknown codes decode as blank.
func Sex(code string) string {
	return table().Sexes[code]
}
