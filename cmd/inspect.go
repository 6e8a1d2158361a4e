package main

import (
	"fmt"
	"talk-relay/infrastructure/storage"
	"time"

	"github.com/mama165/sdk-go/database"
)

// RoomMapper renders a room record for the Badger debug inspector.
func RoomMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)

	room, err := storage.DecodeRoom(val)
	if err != nil {
		row.Detail = "Error: " + err.Error()
		return row
	}

	row.Type = "ROOM"
	if room.LastActivityAt.IsZero() {
		row.Detail = fmt.Sprintf("%d events, occupied", len(room.Transcript))
	} else {
		row.Detail = fmt.Sprintf("%d events, idle since %s",
			len(room.Transcript), room.LastActivityAt.Format(time.DateTime))
	}
	return row
}
