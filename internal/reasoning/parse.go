// File: internal/reasoning/parse.go
package reasoning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nettleworks/ferret/api/schemas"
)

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// kindAliases maps shorthand the model likes to emit onto the closed set.
var kindAliases = map[string]schemas.ActionKind{
	"select":      schemas.KindSelectOption,
	"input":       schemas.KindType,
	"fill":        schemas.KindType,
	"key":         schemas.KindPressKey,
	"press":       schemas.KindPressKey,
	"close":       schemas.KindCloseModal,
	"closemodal":  schemas.KindCloseModal,
	"close-modal": schemas.KindCloseModal,
	"report_bug":  schemas.KindFlagDefect,
	"defect":      schemas.KindFlagDefect,
}

// ExtractJSON pulls a JSON object out of free-form model output: first from
// a fenced markdown block, then by the outermost brace pair.
func ExtractJSON(raw []byte) ([]byte, error) {
	s := string(raw)
	if m := jsonBlockRegex.FindStringSubmatch(s); len(m) > 1 {
		s = m[1]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in response")
	}
	return []byte(s[start : end+1]), nil
}

// ParseAction turns raw model output into an Action. The parse boundary is
// strict but total: anything unparsable or outside the closed action set
// degrades to the explore variant instead of failing.
func ParseAction(raw []byte) schemas.Action {
	data, err := ExtractJSON(raw)
	if err != nil {
		return schemas.ExploreAction("proposal carried no JSON object")
	}

	var action schemas.Action
	if err := json.Unmarshal(data, &action); err != nil {
		return schemas.ExploreAction("proposal was not valid JSON")
	}

	kind := strings.ToLower(strings.TrimSpace(string(action.Kind)))
	if alias, ok := kindAliases[kind]; ok {
		action.Kind = alias
	} else {
		action.Kind = schemas.ActionKind(kind)
	}

	// A scroll without a direction defaults down; everything else that fails
	// validation is out of the union.
	if action.Kind == schemas.KindScroll && action.Direction == "" {
		action.Direction = schemas.ScrollDown
	}
	if action.Direction != "" {
		action.Direction = schemas.ScrollDirection(strings.ToLower(string(action.Direction)))
	}

	if err := action.Validate(); err != nil {
		return schemas.ExploreAction("proposal failed validation: " + err.Error())
	}
	return action
}
