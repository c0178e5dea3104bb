package realtime

import (
	"testing"

	"culinary-atlas/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageNotification(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"kind":"notification","payload":{"id":12,"isRead":false,"payload":{"text":"hi"}}}`))
	require.NoError(t, err)

	assert.Equal(t, KindNotification, msg.Kind)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, model.ID("12"), msg.Notification.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Notification.Payload))
	assert.Nil(t, msg.Review)
}

func TestDecodeMessageReview(t *testing.T) {
	data, err := EncodeMessage(KindReview, model.ReviewEvent{ReviewID: "REV9", RestaurantID: "R1"})
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Review)
	assert.Equal(t, model.ID("REV9"), msg.Review.ReviewID)
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"kind":"notification"}`,
		`{"kind":"notification","payload":null}`,
		`{"kind":"notification","payload":{"isRead":true}}`,
		`{"kind":"review","payload":{"restaurantId":"R1"}}`,
		`{"kind":"chat","payload":{"id":1}}`,
		`{"reviewId":"REV9"}`,
	}
	for _, raw := range cases {
		_, err := DecodeMessage([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidMessage, raw)
	}
}
