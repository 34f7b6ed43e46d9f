package machine

import "github.com/arzzra/softphone/pkg/model"

// Emitter решает, публиковать ли снимок. Сравнение только структурное,
// тип события не учитывается.
type Emitter struct {
	last model.Snapshot
}

// NewEmitter создает эмиттер с уже опубликованным начальным снимком
func NewEmitter(initial model.Snapshot) *Emitter {
	return &Emitter{last: initial.Clone()}
}

// Offer возвращает true, если снимок нужно опубликовать. Опубликованный
// снимок становится точкой сравнения.
func (e *Emitter) Offer(s model.Snapshot) bool {
	if !Differs(e.last, s) {
		return false
	}
	e.last = s.Clone()
	return true
}

// Last последний опубликованный снимок
func (e *Emitter) Last() model.Snapshot {
	return e.last.Clone()
}

// Differs сравнивает снимки по полям, видимым подписчикам:
// подключение, статус и направление вызова, lastError, identity, remotePeer.
// Пустая строка равна отсутствию значения.
func Differs(a, b model.Snapshot) bool {
	return a.Connection != b.Connection ||
		a.CallStatus != b.CallStatus ||
		a.CallDirection != b.CallDirection ||
		a.LastError != b.LastError ||
		a.RemotePeer != b.RemotePeer ||
		!sameIdentity(a.Identity, b.Identity)
}

func sameIdentity(a, b *model.Identity) bool {
	var x, y model.Identity
	if a != nil {
		x = *a
	}
	if b != nil {
		y = *b
	}
	return x == y
}
