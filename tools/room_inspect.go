package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"
	"strings"
	"talk-relay/domain"
	"talk-relay/infrastructure/storage"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const previewLength = 32

func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	idle := flag.Duration("idle", 12*time.Hour, "Idle threshold used to flag expired rooms")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	rooms, err := storage.NewRoomRepository(db, slog.Default()).Load()
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Room", "Events", "Created", "Idle since", "Expired", "Preview"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	now := time.Now().UTC()
	ids := lo.Keys(rooms)
	slices.Sort(ids)
	for _, id := range ids {
		room := rooms[id]
		idleSince := "occupied"
		expired := false
		if !room.LastActivityAt.IsZero() {
			idleSince = now.Sub(room.LastActivityAt).Round(time.Second).String()
			expired = now.Sub(room.LastActivityAt) >= *idle
		}
		table.Append([]string{
			string(id),
			fmt.Sprint(len(room.Transcript)),
			room.CreatedAt.Format(time.DateTime),
			idleSince,
			fmt.Sprint(expired),
			preview(room.Transcript),
		})
	}
	table.Render()
	fmt.Printf("%d room(s)\n", len(rooms))
}

// preview replays the transcript into text and keeps its tail.
func preview(transcript []domain.CharEvent) string {
	var text []rune
	for _, evt := range transcript {
		switch evt.Kind {
		case domain.KindChar:
			text = append(text, []rune(evt.Payload)...)
		case domain.KindBackspace:
			if len(text) > 0 {
				text = text[:len(text)-1]
			}
		case domain.KindNewline:
			text = append(text, '⏎')
		case domain.KindClear:
			text = text[:0]
		}
	}
	if len(text) > previewLength {
		text = text[len(text)-previewLength:]
	}
	return strings.ReplaceAll(string(text), "\t", " ")
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil {
		// A crashed relay can leave a value log that needs truncating first
		if strings.Contains(err.Error(), "Log truncate required") {
			repairOpts := badger.DefaultOptions(path).
				WithLogger(nil).WithBypassLockGuard(true)

			db, err = badger.Open(repairOpts)
			if err != nil {
				return nil, fmt.Errorf("repair failed: %w", err)
			}
			_ = db.Close()
			return badger.Open(opts)
		}
		return nil, err
	}
	return db, nil
}
