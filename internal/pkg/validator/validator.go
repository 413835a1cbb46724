package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Dialogue word-count bounds for script scenes.
const (
	MinDialogueWords = 1
	MaxDialogueWords = 25
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Scene dialogue must stay within the word-count bound
	validate.RegisterValidation("dialogue_words", func(fl validator.FieldLevel) bool {
		return DialogueWordCountOK(fl.Field().String())
	})

	// Scene emotion vocabulary accepted by the renderer
	validate.RegisterValidation("scene_emotion", func(fl validator.FieldLevel) bool {
		emotion := fl.Field().String()
		validEmotions := []string{"neutral", "excited", "warm", "confident", "calm", ""}
		for _, e := range validEmotions {
			if emotion == e {
				return true
			}
		}
		return false
	})
}

// DialogueWordCountOK reports whether a dialogue line has between
// MinDialogueWords and MaxDialogueWords words.
func DialogueWordCountOK(dialogue string) bool {
	n := len(strings.Fields(dialogue))
	return n >= MinDialogueWords && n <= MaxDialogueWords
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "len":
			errors[field] = "Must have exactly " + err.Param() + " items"
		case "url":
			errors[field] = "Invalid URL format"
		case "uuid":
			errors[field] = "Invalid UUID format"
		case "dialogue_words":
			errors[field] = "Dialogue must be between 1 and 25 words"
		case "scene_emotion":
			errors[field] = "Invalid emotion. Must be: neutral, excited, warm, confident, or calm"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
