package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/voice-onboarding/internal/model"
)

// ValidateName validates a user's display name.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < 2 {
		return errors.New("name must be at least 2 characters")
	}
	if len(name) > 256 {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}

// ValidatePhone validates a contact phone number.
func ValidatePhone(phone string) error {
	phone = strings.TrimSpace(phone)
	if len(phone) < 8 {
		return errors.New("phone must be at least 8 characters")
	}
	if len(phone) > 32 {
		return errors.New("phone exceeds maximum length")
	}
	return nil
}

// ValidateMessage validates a text turn submitted over REST.
func ValidateMessage(req *model.CreateMessageRequest) error {
	if !req.Speaker.Valid() {
		return errors.New("speaker must be user or agent")
	}
	if len(req.Text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(req.Text) > 100000 {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(req.Text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}
