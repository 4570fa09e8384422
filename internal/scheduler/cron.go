package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей, без секунд).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextFire вычисляет следующее время срабатывания после from.
//
// Выражение интерпретируется в часовом поясе from; результат в UTC.
func NextFire(pattern string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", pattern, err)
	}

	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", pattern)
	}
	return next.UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(pattern string) error {
	_, err := cronParser.Parse(pattern)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", pattern, err)
	}
	return nil
}
