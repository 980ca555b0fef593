package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFlattensPayload(t *testing.T) {
	raw, err := Encode(ActionConvertWebP, 7, ConvertRequest{ImageURL: "https://site/a.webp", Format: "png"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "convertWebP", got["action"])
	assert.Equal(t, float64(7), got["tabId"])
	assert.Equal(t, "https://site/a.webp", got["imageUrl"])
	assert.Equal(t, "png", got["format"])
}

func TestEncodeRejectsNonObjectPayload(t *testing.T) {
	_, err := Encode(ActionShowError, 0, "plain string")
	assert.Error(t, err)
}

func TestDispatchRoutesByAction(t *testing.T) {
	bus := NewBus()
	var gotTab int
	var gotMsg ConvertRequest
	Register(bus, ActionConvertWebP, func(_ context.Context, tabID int, msg ConvertRequest) (interface{}, error) {
		gotTab, gotMsg = tabID, msg
		return ConvertResult{Success: true, Filename: "a.jpg"}, nil
	})

	var res ConvertResult
	err := bus.Send(context.Background(), 3, ActionConvertWebP, ConvertRequest{ImageURL: "https://site/a.webp"}, &res)
	require.NoError(t, err)
	assert.Equal(t, 3, gotTab)
	assert.Equal(t, "https://site/a.webp", gotMsg.ImageURL)
	assert.True(t, res.Success)
	assert.Equal(t, "a.jpg", res.Filename)
}

func TestDispatchUnknownAction(t *testing.T) {
	bus := NewBus()
	_, err := bus.Dispatch(context.Background(), []byte(`{"action":"nope"}`))
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestDispatchValidation(t *testing.T) {
	bus := NewBus()
	called := false
	Register(bus, ActionConvertWebP, func(context.Context, int, ConvertRequest) (interface{}, error) {
		called = true
		return nil, nil
	})

	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{name: "missing action", raw: `{"imageUrl":"x"}`, field: "Action"},
		{name: "missing image url", raw: `{"action":"convertWebP"}`, field: "ImageURL"},
		{name: "bad format", raw: `{"action":"convertWebP","imageUrl":"https://a/b.webp","format":"gif"}`, field: "Format"},
		{name: "bad trigger", raw: `{"action":"convertWebP","imageUrl":"https://a/b.webp","trigger":"magic"}`, field: "Trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bus.Dispatch(context.Background(), []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMessage))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields(), tt.field)
		})
	}
	assert.False(t, called)
}

func TestDispatchMalformedJSON(t *testing.T) {
	bus := NewBus()
	_, err := bus.Dispatch(context.Background(), []byte(`{"action":`))
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}
