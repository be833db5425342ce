package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRecordsRoundTrip(t *testing.T) {
	vk := make([]byte, 32)
	for i := range vk {
		vk[i] = byte(i + 1)
	}
	epoch := InitialEpoch(1000)
	store := RecordStore{
		"record-1": NewRecord(map[string][]byte{"password": []byte("hunter2")}),
	}

	blob, err := SealRecords(vk, epoch, store)
	require.NoError(t, err)
	require.Equal(t, epoch, blob.Epoch)

	got, err := OpenRecords(vk, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), got["record-1"]["password"])
}

func TestOpenRecordsRejectsWrongKey(t *testing.T) {
	vk := make([]byte, 32)
	other := make([]byte, 32)
	other[0] = 1
	epoch := InitialEpoch(1000)
	blob, err := SealRecords(vk, epoch, RecordStore{"r": NewRecord(map[string][]byte{"f": []byte("v")})})
	require.NoError(t, err)

	_, err = OpenRecords(other, blob)
	require.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestOpenRecordsRejectsWrongEpochAAD(t *testing.T) {
	vk := make([]byte, 32)
	blob, err := SealRecords(vk, InitialEpoch(1000), RecordStore{"r": NewRecord(map[string][]byte{"f": []byte("v")})})
	require.NoError(t, err)

	blob.Epoch = blob.Epoch.Next(2000)
	_, err = OpenRecords(vk, blob)
	require.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestMarshalUnmarshalHeaderSetRoundTrip(t *testing.T) {
	id, err := NewDeviceID()
	require.NoError(t, err)
	headers := map[DeviceID]*DeviceHeader{
		id: {DeviceID: id, Epoch: InitialEpoch(1000), PublicKey: []byte("pk"), EncryptedDEK: []byte("ct"), Status: DeviceStatusActive},
	}

	data, err := MarshalHeaderSet(headers)
	require.NoError(t, err)

	got, err := UnmarshalHeaderSet(data)
	require.NoError(t, err)
	require.Equal(t, DeviceStatusActive, got[id].Status)
	require.Equal(t, []byte("pk"), got[id].PublicKey)
}

func TestUnmarshalHeaderSetEmpty(t *testing.T) {
	got, err := UnmarshalHeaderSet(nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
