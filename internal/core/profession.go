package core

import "strings"

// Profession is the role a user signs with. Only three professions take
// part in the approval chain; everything else is ProfessionUnknown.
type Profession int

const (
	ProfessionUnknown Profession = iota
	ProfessionGrantCoordinator
	ProfessionAccountant
	ProfessionNationalCoordinator
)

var professionLabels = map[string]Profession{
	"Coordinateur de la Subvention": ProfessionGrantCoordinator,
	"Comptable":                     ProfessionAccountant,
	"Coordonnateur National":        ProfessionNationalCoordinator,
}

// ParseProfession maps a profile label to a Profession. Matching is exact
// after trimming surrounding whitespace.
func ParseProfession(label string) Profession {
	if p, ok := professionLabels[strings.TrimSpace(label)]; ok {
		return p
	}
	return ProfessionUnknown
}

func (p Profession) String() string {
	for label, v := range professionLabels {
		if v == p {
			return label
		}
	}
	return ""
}

func (p Profession) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Profession) UnmarshalText(b []byte) error {
	*p = ParseProfession(string(b))
	return nil
}

// Profile is the signed-in user as seen by the approval chain.
type Profile struct {
	UserID     string     `json:"userId"`
	FullName   string     `json:"fullName"`
	Profession Profession `json:"profession"`
}
