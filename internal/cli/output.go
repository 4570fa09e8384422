package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд.
//
// Данные идут в w: таблица для оператора или JSON для скриптов (--json).
// Сообщения и ошибки идут в errW, чтобы stdout оставался разбираемым.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит data как JSON или rows как таблицу.
// Ошибка записи возвращается команде.
func (o *Output) Print(headers []string, rows [][]string, data any) error {
	if o.jsonMode {
		return o.JSON(data)
	}
	if len(rows) == 0 {
		o.Successf("No results")
		return nil
	}
	return o.Table(headers, rows)
}

// Table выводит строки через tabwriter с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	// tabwriter буферизует всё до Flush
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	return nil
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// Successf выводит сообщение о результате в stderr.
func (o *Output) Successf(format string, args ...any) {
	fmt.Fprintf(o.errW, format+"\n", args...)
}

// Error выводит ошибку команды в stderr: объект {"error": ...} в режиме JSON,
// иначе строку "Error: ...".
func (o *Output) Error(err error) {
	if o.jsonMode {
		_ = json.NewEncoder(o.errW).Encode(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintln(o.errW, "Error:", err)
}
