package store

import (
	"sort"
	"strings"
)

// Write — буферизованная запись.
type Write struct {
	Bucket   Bucket
	Key      string
	Value    []byte
	Delete   bool
	Expected int64
}

// Buffer — общий для бэкендов буфер транзакции:
// версии прочитанных ключей и отложенные записи.
type Buffer struct {
	reads  map[string]int64
	writes map[string]*Write
	order  []string
	done   bool
}

// NewBuffer создаёт пустой буфер.
func NewBuffer() *Buffer {
	return &Buffer{
		reads:  make(map[string]int64),
		writes: make(map[string]*Write),
	}
}

func bufferKey(bucket Bucket, key string) string {
	return string(bucket) + "\x00" + key
}

// Observe запоминает версию прочитанного ключа (VersionAbsent, если ключа нет).
// Повторное чтение не меняет первую наблюдённую версию.
func (b *Buffer) Observe(bucket Bucket, key string, version int64) {
	k := bufferKey(bucket, key)
	if _, ok := b.reads[k]; !ok {
		b.reads[k] = version
	}
}

// Lookup возвращает отложенную запись для ключа.
func (b *Buffer) Lookup(bucket Bucket, key string) (*Write, bool) {
	w, ok := b.writes[bufferKey(bucket, key)]
	return w, ok
}

// Put буферизует запись.
func (b *Buffer) Put(bucket Bucket, key string, value []byte) {
	b.write(bucket, key, value, false)
}

// Delete буферизует удаление.
func (b *Buffer) Delete(bucket Bucket, key string) {
	b.write(bucket, key, nil, true)
}

func (b *Buffer) write(bucket Bucket, key string, value []byte, del bool) {
	k := bufferKey(bucket, key)
	if w, ok := b.writes[k]; ok {
		w.Value = value
		w.Delete = del
		return
	}

	expected := VersionAbsent
	if v, ok := b.reads[k]; ok {
		expected = v
	} else if del {
		expected = VersionAny
	}

	b.writes[k] = &Write{
		Bucket:   bucket,
		Key:      key,
		Value:    value,
		Delete:   del,
		Expected: expected,
	}
	b.order = append(b.order, k)
}

// Writes возвращает записи в порядке их первого появления.
func (b *Buffer) Writes() []Write {
	result := make([]Write, 0, len(b.order))
	for _, k := range b.order {
		result = append(result, *b.writes[k])
	}
	return result
}

// Finish помечает буфер завершённым. Возвращает ErrTxDone при повторном вызове.
func (b *Buffer) Finish() error {
	if b.done {
		return ErrTxDone
	}
	b.done = true
	return nil
}

// Done проверяет, завершена ли транзакция.
func (b *Buffer) Done() bool {
	return b.done
}

// Overlay накладывает отложенные записи на результат List.
func (b *Buffer) Overlay(bucket Bucket, prefix string, entries []Entry) []Entry {
	byKey := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e
	}

	for _, k := range b.order {
		w := b.writes[k]
		if w.Bucket != bucket || !strings.HasPrefix(w.Key, prefix) {
			continue
		}
		if w.Delete {
			delete(byKey, w.Key)
			continue
		}
		e := byKey[w.Key]
		byKey[w.Key] = Entry{Key: w.Key, Value: w.Value, Version: e.Version}
	}

	result := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}
