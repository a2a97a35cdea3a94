package wire

import "github.com/pkg/errors"

// Marshal encodes system payload.
func Marshal(msg any) ([]byte, error) {
	m := NewMarshaller()

	size, err := m.Size(msg)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	_, n, err := m.Marshal(msg, buf)
	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// Unmarshal decodes system payload into message of type T.
func Unmarshal[T any](buf []byte) (*T, error) {
	m := NewMarshaller()

	id, err := m.ID(new(T))
	if err != nil {
		return nil, err
	}

	msg, _, err := m.Unmarshal(id, buf)
	if err != nil {
		return nil, err
	}

	res, ok := msg.(*T)
	if !ok {
		return nil, errors.Errorf("unexpected message type %T", msg)
	}
	return res, nil
}
