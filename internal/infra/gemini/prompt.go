package gemini

import (
	"strconv"
	"strings"

	"github.com/car-repair/estimator/internal/domain"
)

const inspectionPrompt = `
You are an expert car inspector. Analyze the provided images of a {{brand}} {{model}} ({{year}}) with {{mileage}} km mileage.
Rules (must follow):
- Describe only damage clearly visible in the images.
- Do not assume hidden, internal, mechanical, or not-visible damage.
- If damage cannot be confirmed, use "severity": "unknown".
- No phrases like "likely", "probable", or assumptions for detected damage.
- Costs should be based only on confirmed visible damage.
- Give every cost in {{currency}} using typical {{region}} market prices.
- Write all text values in {{language}}.
- Output valid JSON only, no extra text.

Images descriptions: {{imageDescriptions}}
{{ownerDescription}}

JSON structure:
{
  "damage_detected": true,
  "damages": [
    {
      "location": "front bumper/door/etc",
      "severity": "minor/moderate/severe/unknown",
      "description": "detailed description",
      "estimated_parts_cost_original": "approximate cost for OEM parts only",
      "estimated_parts_cost_alternative": "approximate cost for aftermarket parts only",
      "estimated_labor_cost": "approximate labor/repair work cost"
    }
  ],
  "recommendations": [
    "recommendation 1",
    "recommendation 2"
  ],
  "estimated_total_parts_cost_original": "total OEM parts cost",
  "estimated_total_parts_cost_alternative": "total aftermarket parts cost",
  "estimated_total_labor_cost": "total labor cost",
  "summary": "brief summary of the inspection",
  "currency": "{{currency}}",
  "region": "{{region}}",
  "locale": "{{languageCode}}"
}`

// BuildPrompt renders the inspection prompt for car, one description per image.
func BuildPrompt(car domain.CarInfo, images []domain.ImageInput, loc Locale, languageName string) string {
	descriptions := make([]string, len(images))
	for i, img := range images {
		descriptions[i] = img.Type.Describe()
	}

	year := "unknown year"
	if car.Year > 0 {
		year = strconv.Itoa(car.Year)
	}
	mileage := "unknown"
	if car.Mileage > 0 {
		mileage = strconv.Itoa(car.Mileage)
	}
	owner := ""
	if car.Description != "" {
		owner = "Owner's description: " + car.Description
	}

	r := strings.NewReplacer(
		"{{brand}}", orUnknown(car.Brand),
		"{{model}}", orUnknown(car.Model),
		"{{year}}", year,
		"{{mileage}}", mileage,
		"{{currency}}", loc.Currency,
		"{{region}}", loc.Region,
		"{{language}}", languageName,
		"{{languageCode}}", loc.Language,
		"{{imageDescriptions}}", strings.Join(descriptions, ", "),
		"{{ownerDescription}}", owner,
	)
	return strings.TrimSpace(r.Replace(inspectionPrompt))
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// stripFences removes markdown code fences the model sometimes wraps JSON in.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
