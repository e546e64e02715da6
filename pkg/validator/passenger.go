package validator

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrEmptyName indicates the passenger name is blank
	ErrEmptyName = errors.New("passenger name cannot be empty")

	// ErrNameLength indicates the name is shorter than 2 or longer than 100 characters
	ErrNameLength = errors.New("passenger name must be between 2 and 100 characters")

	// ErrNameFormat indicates the name contains digits or symbols
	ErrNameFormat = errors.New("passenger name can only contain letters, spaces, dots, hyphens and apostrophes")

	// ErrEmptyDocument indicates the identity document is blank
	ErrEmptyDocument = errors.New("identity document cannot be empty")

	// ErrDocumentFormat indicates the document is neither a national id nor a passport number
	ErrDocumentFormat = errors.New("identity document must be a 9 or 12 digit national id or a passport number")
)

var (
	// old 9-digit and chip-based 12-digit citizen ids
	nationalIDRegex = regexp.MustCompile(`^(\d{9}|\d{12})$`)
	// one or two letters followed by 6-8 digits
	passportRegex = regexp.MustCompile(`^[A-Z]{1,2}\d{6,8}$`)
)

// PassengerValidator validates passenger details submitted for a booking
type PassengerValidator struct{}

// NewPassengerValidator creates a new passenger validator instance
func NewPassengerValidator() *PassengerValidator {
	return &PassengerValidator{}
}

// ValidateName returns the trimmed, space-collapsed name
func (v *PassengerValidator) ValidateName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", ErrEmptyName
	}

	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 {
		return "", ErrNameLength
	}

	for _, r := range name {
		if unicode.IsLetter(r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		switch r {
		case ' ', '.', '-', '\'':
			continue
		}
		return "", ErrNameFormat
	}

	return name, nil
}

// ValidateDocument returns the sanitized identity document number
func (v *PassengerValidator) ValidateDocument(doc string) (string, error) {
	if strings.TrimSpace(doc) == "" {
		return "", ErrEmptyDocument
	}

	sanitized := v.Sanitize(doc)
	if nationalIDRegex.MatchString(sanitized) || passportRegex.MatchString(sanitized) {
		return sanitized, nil
	}
	return "", ErrDocumentFormat
}

// Sanitize removes separators and upper-cases a document number
func (v *PassengerValidator) Sanitize(doc string) string {
	doc = strings.ReplaceAll(doc, " ", "")
	doc = strings.ReplaceAll(doc, "-", "")
	doc = strings.ReplaceAll(doc, ".", "")
	return strings.ToUpper(doc)
}

// IsNationalID reports whether a sanitized document is a national id rather than a passport
func (v *PassengerValidator) IsNationalID(doc string) bool {
	return nationalIDRegex.MatchString(v.Sanitize(doc))
}
