// Package queue реализует надёжную очередь задач поверх Redis.
//
// Каждая очередь — набор ключей с общим префиксом. Переходы задач между
// разделами (wait → active → completed/failed, active → delayed для retry)
// выполняются Lua-скриптами атомарно. Аренда (lock) защищает от двойного
// завершения: задача, чей воркер пропал, возвращается RecoverStalled.
//
// Repeat-реестр (repeat.go) хранит расписания повторяющихся задач.
package queue
