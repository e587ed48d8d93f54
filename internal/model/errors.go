package model

import (
	"fmt"
	"sort"
	"strings"
)

// FieldErrors — ошибка валидации с сообщениями, сгруппированными по полям.
// Для элементов массивов используется точечный путь, например
// "allocations.0.allocatedAmount".
type FieldErrors map[string][]string

// NewFieldError создаёт FieldErrors с одним сообщением для одного поля.
func NewFieldError(field, message string) FieldErrors {
	return FieldErrors{field: {message}}
}

// Add добавляет сообщение к указанному полю.
func (e FieldErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// Addf добавляет отформатированное сообщение к указанному полю.
func (e FieldErrors) Addf(field, format string, args ...any) {
	e.Add(field, fmt.Sprintf(format, args...))
}

// Error возвращает все сообщения одной строкой в стабильном порядке полей.
func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		for _, msg := range e[f] {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f)
			b.WriteString(": ")
			b.WriteString(msg)
		}
	}
	return b.String()
}
