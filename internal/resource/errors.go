package resource

import "errors"

var (
	// ErrDecrypt — токен не удалось расшифровать.
	ErrDecrypt = errors.New("token decrypt failed")

	// ErrNoKey — ключ расшифровки не настроен.
	ErrNoKey = errors.New("decryption key not configured")

	// ErrInvalidStatus — неизвестный статус здоровья прокси.
	ErrInvalidStatus = errors.New("invalid proxy status")
)
