// Package mailing формирует тексты уведомлений спонсорам.
package mailing

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/osteele/liquid"
)

// Kind определяет вид уведомления.
type Kind int

const (
	// KindAssigned отправляется неподтверждённым спонсорам, когда задачу взял разработчик.
	KindAssigned Kind = iota + 1
	// KindCompletedConfirmed отправляется подтверждённым спонсорам после выполнения задачи.
	KindCompletedConfirmed
	// KindCompletedPledged отправляется неподтверждённым спонсорам после выполнения задачи.
	KindCompletedPledged
)

func (k Kind) String() string {
	switch k {
	case KindAssigned:
		return "assigned"
	case KindCompletedConfirmed:
		return "completed_confirmed"
	case KindCompletedPledged:
		return "completed_pledged"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Data содержит значения, подставляемые в шаблон.
type Data struct {
	IssueRef string
	UserName string
	Amount   int
}

type templateSource struct {
	subject string
	body    string
}

var sources = map[Kind]templateSource{
	KindAssigned: {
		subject: `Task assigned {{ ref }}`,
		body: `The task you have sponsored has been accepted by the developer. ` +
			`Please deposit the promised amount of {{ amount | money }}. ` +
			`To do that please go to project issue tracker at {{ tracker_url }}, log in, ` +
			`find an issue ID {{ ref }} and select Confirm.`,
	},
	KindCompletedConfirmed: {
		subject: `Task completed {{ ref }}`,
		body: `The task you have sponsored has been completed by the developer. Please verify it. ` +
			`To do that please go to project issue tracker at {{ tracker_url }}, log in, ` +
			`find an issue ID {{ ref }} and select Validate.`,
	},
	KindCompletedPledged: {
		subject: `Task completed {{ ref }}`,
		body: `The task you have sponsored has been completed by the developer. ` +
			`Please deposit the promised amount of {{ amount | money }} and verify it. ` +
			`To do that please go to project issue tracker at {{ tracker_url }}, log in, ` +
			`find an issue ID {{ ref }} and select Confirm and then Validate.`,
	},
}

type compiled struct {
	subject *liquid.Template
	body    *liquid.Template
}

// Renderer рендерит тему и текст письма по виду уведомления.
// Шаблоны разбираются один раз при создании, Renderer безопасен для конкурентного использования.
type Renderer struct {
	trackerURL string
	templates  map[Kind]compiled
}

// NewRenderer разбирает шаблоны писем. trackerURL подставляется в текст как адрес трекера задач.
func NewRenderer(trackerURL string) (*Renderer, error) {
	engine := liquid.NewEngine()
	engine.RegisterFilter("money", money)

	r := &Renderer{
		trackerURL: trackerURL,
		templates:  make(map[Kind]compiled, len(sources)),
	}

	for kind, src := range sources {
		subject, err := engine.ParseString(src.subject)
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", kind, err)
		}
		body, err := engine.ParseString(src.body)
		if err != nil {
			return nil, fmt.Errorf("parse %s body: %w", kind, err)
		}
		r.templates[kind] = compiled{subject: subject, body: body}
	}

	return r, nil
}

// Render возвращает тему и текст письма.
func (r *Renderer) Render(kind Kind, data Data) (string, string, error) {
	tpl, ok := r.templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown email kind %s", kind)
	}

	bindings := liquid.Bindings{
		"ref":         data.IssueRef,
		"user":        data.UserName,
		"amount":      data.Amount,
		"tracker_url": r.trackerURL,
	}

	subject, err := tpl.subject.RenderString(bindings)
	if err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", kind, err)
	}
	body, err := tpl.body.RenderString(bindings)
	if err != nil {
		return "", "", fmt.Errorf("render %s body: %w", kind, err)
	}

	return subject, body, nil
}

// money форматирует целую сумму с разделителями разрядов: 1500 -> "$1,500".
func money(value interface{}) string {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		n = int64(v)
	default:
		return fmt.Sprintf("%v", value)
	}
	return "$" + humanize.Comma(n)
}
