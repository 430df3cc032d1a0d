// Package generator turns a story template and a child profile into
// personalized story text. It is pure and synchronous: same inputs, same
// story, no I/O.
package generator

import (
	"errors"
	"strconv"
	"strings"

	"storyforge/internal/models"
)

// GeneratedStory is the producer's output.
type GeneratedStory struct {
	Title        string
	Body         string
	Placeholders map[string]string
}

// ErrEmptyTemplate is returned when the template has no text for the child's
// gender variant.
var ErrEmptyTemplate = errors.New("template has no text for this variant")

// Generate picks the gendered variant of the template, substitutes the
// child's attributes for the {PLACEHOLDER} tokens, and personalizes the
// title.
func Generate(tmpl models.StoryTemplate, child models.Child) (GeneratedStory, error) {
	text := tmpl.MaleVersion
	if child.Gender == models.GenderFemale {
		text = tmpl.FemaleVersion
	}
	if strings.TrimSpace(text) == "" {
		return GeneratedStory{}, ErrEmptyTemplate
	}

	placeholders := placeholderMap(child)
	body := substitute(text, placeholders)
	title := substitute(tmpl.Title, placeholders)

	return GeneratedStory{
		Title:        title,
		Body:         body,
		Placeholders: placeholders,
	}, nil
}

func placeholderMap(child models.Child) map[string]string {
	age := "little"
	if child.Age > 0 {
		age = strconv.Itoa(child.Age)
	}
	placeholders := map[string]string{
		"CHILD_NAME": child.Name,
		"AGE":        age,
		"HAIR_COLOR": orDefault(child.HairColor, "beautiful"),
		"EYE_COLOR":  orDefault(child.EyeColor, "bright"),
		"SKIN_TONE":  orDefault(child.SkinTone, "warm"),
	}
	if child.Gender == models.GenderFemale {
		placeholders["GENDER_CHILD"] = "girl"
		placeholders["GENDER_BEAUTIFUL"] = "beautiful"
		placeholders["GENDER_SMART"] = "clever"
		placeholders["GENDER_BRAVE"] = "brave"
	} else {
		placeholders["GENDER_CHILD"] = "boy"
		placeholders["GENDER_BEAUTIFUL"] = "handsome"
		placeholders["GENDER_SMART"] = "clever"
		placeholders["GENDER_BRAVE"] = "brave"
	}
	return placeholders
}

func substitute(text string, placeholders map[string]string) string {
	pairs := make([]string, 0, len(placeholders)*2)
	for key, value := range placeholders {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
