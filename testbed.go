package main

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"failback-loader/work/logger"

	"github.com/gorilla/mux"
	"github.com/grafov/m3u8"
)

// Primary origin behavior modes for the testbed. The original blocking
// simulator toggled these per segment; here one switch governs the whole
// primary origin.
const (
	modeOK         = "ok"         // serve every segment normally
	modeBlocked    = "blocked"    // answer 403 like a filtering middlebox
	modeSilent     = "silent"     // accept the connection, never send headers
	modeTrickle    = "trickle"    // send headers then drip bytes below the floor
	modeBadPartial = "badpartial" // replay a stale 206 covering a slice of the file
)

// originSim simulates one segment origin. The primary gets a switchable
// failure mode; alternates run a fixed healthy configuration.
type originSim struct {
	name     string
	mode     atomic.Value // current behavior mode string
	hits     atomic.Int64 // segment requests received
	segBytes int          // payload size per segment
	segCount int          // number of segments in the playlist
}

func newOriginSim(name string, segBytes, segCount int) *originSim {
	o := &originSim{name: name, segBytes: segBytes, segCount: segCount}
	o.mode.Store(modeOK)
	return o
}

// SetMode switches the origin's behavior.
func (o *originSim) SetMode(mode string) {
	o.mode.Store(mode)
	logger.Info("{testbed - SetMode} origin %s now in mode %q", o.name, mode)
}

// Hits returns the number of segment requests this origin has received.
func (o *originSim) Hits() int64 {
	return o.hits.Load()
}

// ResetHits zeroes the request counter.
func (o *originSim) ResetHits() {
	o.hits.Store(0)
}

// router builds the origin's HTTP routes: a generated media playlist and the
// segment endpoints.
func (o *originSim) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/playlist.m3u8", o.handlePlaylist).Methods("GET")
	r.HandleFunc("/seg/{index}.ts", o.handleSegment).Methods("GET")
	return r
}

// handlePlaylist serves a media playlist listing every segment this origin
// carries.
func (o *originSim) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	pl, err := m3u8.NewMediaPlaylist(uint(o.segCount), uint(o.segCount))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for i := 0; i < o.segCount; i++ {
		if err := pl.Append(fmt.Sprintf("seg/%d.ts", i), 4.0, ""); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	pl.Close()

	w.Header().Set("Content-Type", "application/x-mpegURL")
	w.Write(pl.Encode().Bytes())
}

// handleSegment serves one segment according to the current behavior mode.
func (o *originSim) handleSegment(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)

	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 || index >= o.segCount {
		http.Error(w, "no such segment", http.StatusNotFound)
		return
	}

	payload := bytes.Repeat([]byte{byte('A' + index%26)}, o.segBytes)

	switch o.mode.Load().(string) {
	case modeBlocked:
		http.Error(w, "blocked", http.StatusForbidden)

	case modeSilent:
		// hold the connection open without headers until the client gives up
		<-r.Context().Done()

	case modeTrickle:
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < len(payload); i += 16 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			end := i + 16
			if end > len(payload) {
				end = len(payload)
			}
			w.Write(payload[i:end])
			if flusher != nil {
				flusher.Flush()
			}
		}

	case modeBadPartial:
		// a stale cache replaying the first 100 bytes of a much larger file
		slice := payload[:100]
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-99/%d", o.segBytes*256))
		w.Header().Set("Content-Length", strconv.Itoa(len(slice)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(slice)

	default:
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(payload)
	}
}

// fetchSegmentList downloads and decodes the primary playlist, returning the
// absolute segment URLs to load.
func fetchSegmentList(playlistURL string) ([]string, error) {
	resp, err := http.Get(playlistURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist fetch returned status %d", resp.StatusCode)
	}

	pl, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected a media playlist")
	}

	media := pl.(*m3u8.MediaPlaylist)
	base := playlistURL[:len(playlistURL)-len("playlist.m3u8")]

	var urls []string
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		urls = append(urls, base+seg.URI)
	}
	return urls, nil
}
