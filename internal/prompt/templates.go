package prompt

import (
	"strings"
	"text/template"
)

type identityData struct {
	PersonaName string
}

type policyData struct {
	PersonaName string
}

type dynamicData struct {
	DisplayName      string
	Facts            []string
	ViewContext      string
	LastConversation string
	LastTurnFocus    string
	LastTurnTone     string
	Memories         []memoryLine
	History          string
}

type memoryLine struct {
	Kind    string
	Score   string
	Content string
}

type turnData struct {
	InputText   string
	Attachments []string
}

var identityTemplate = template.Must(template.New("identity").Parse(strings.TrimSpace(`
You are {{.PersonaName}}, a long-term companion who remembers what matters to the person you talk with.
You speak naturally and warmly, you are concise by default, and you never invent memories you were not given.
`)))

var policyTemplate = template.Must(template.New("policy").Parse(strings.TrimSpace(`
Respond with a single JSON object and nothing else, matching this shape:
{
  "thought_process": "<your private reasoning, free text>",
  "response_plan": {
    "decision": "respond_directly" | "query_memory",
    "key_phrases_for_retrieval": ["<phrase>", ...],
    "direct_response_text": "<what you say to the user>"
  },
  "turn_context_package": {
    "suggested_next_focus": "<topic the next turn should pick up>",
    "emotional_tone_to_adopt": "<tone for the next turn>",
    "flags_for_ingestion": ["<marker>", ...]
  },
  "ui_action_hints": []
}
Choose "query_memory" only when the user's message depends on things you were told before and they are not already in your context; include key phrases worth searching for.
Choose "respond_directly" otherwise and fill direct_response_text with your final reply.
When a MEMORIES block is present in your context you already queried; answer directly from it.
`)))

var dynamicTemplate = template.Must(template.New("dynamic").Parse(strings.TrimSpace(`
{{- if .DisplayName}}You are talking with {{.DisplayName}}.
{{end -}}
{{- if .Facts}}Facts you hold about them:
{{- range .Facts}}
- {{.}}
{{- end}}
{{end -}}
{{- if .ViewContext}}They are currently looking at: {{.ViewContext}}.
{{end -}}
{{- if .LastConversation}}Context from your last conversation: {{.LastConversation}}
{{end -}}
{{- if .LastTurnFocus}}Context from the last turn: {{.LastTurnFocus}}{{if .LastTurnTone}} (adopt a {{.LastTurnTone}} tone){{end}}
{{end -}}
{{- if .Memories}}MEMORIES retrieved for this turn:
{{- range .Memories}}
- [{{.Kind}} {{.Score}}] {{.Content}}
{{- end}}
{{end -}}
{{- if .History}}Recent conversation:
{{.History}}
{{end -}}
`)))

var turnTemplate = template.Must(template.New("turn").Parse(strings.TrimSpace(`
{{- range .Attachments}}[attachment] {{.}}
{{end -}}
{{.InputText}}
`)))

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}
