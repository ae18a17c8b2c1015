package types

// TypingSystem is one entry of the reference catalog: a named personality
// classification scheme and its valid type codes. The catalog is read-mostly
// and seeded at schema creation.
type TypingSystem struct {
	Name  string   `json:"name"`
	Codes []string `json:"codes"`
}

// Contains reports whether code is a valid type code within the system.
func (s *TypingSystem) Contains(code string) bool {
	for _, c := range s.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// SeedTypingSystems returns the reference catalog seeded into an empty
// schema: the 16-type MBTI system, the nine Enneagram types, and the 16
// classical socionics types.
func SeedTypingSystems() []TypingSystem {
	return []TypingSystem{
		{
			Name: "mbti",
			Codes: []string{
				"INTJ", "INTP", "ENTJ", "ENTP",
				"INFJ", "INFP", "ENFJ", "ENFP",
				"ISTJ", "ISFJ", "ESTJ", "ESFJ",
				"ISTP", "ISFP", "ESTP", "ESFP",
			},
		},
		{
			Name:  "enneagram",
			Codes: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"},
		},
		{
			Name: "socionics",
			Codes: []string{
				"ILE", "SEI", "ESE", "LII",
				"EIE", "LSI", "SLE", "IEI",
				"SEE", "ILI", "LIE", "ESI",
				"LSE", "EII", "IEE", "SLI",
			},
		},
	}
}
