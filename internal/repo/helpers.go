package repo

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

// derefString возвращает "" для NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// marshalJSON сериализует значение в jsonb; nil остаётся NULL.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}
