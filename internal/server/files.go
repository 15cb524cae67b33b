package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// fileInfo is one entry of the output directory listing.
type fileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SizeHR   string    `json:"size_hr"`
	Modified time.Time `json:"modified"`
	URL      string    `json:"url"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing files: "+err.Error())
		return
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			SizeHR:   formatBytes(info.Size()),
			Modified: info.ModTime(),
			URL:      "/api/files/" + e.Name(),
		})
	}
	sort.Slice(files, func(i, k int) bool { return files[i].Modified.After(files[k].Modified) })
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.safePath(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.safePath(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err := os.Remove(path); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting file: "+err.Error())
		return
	}
	s.ctrl.PublishFilesUpdated()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing files: "+err.Error())
		return
	}
	var count int
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			count++
			total += info.Size()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":            count,
		"total_size":       total,
		"total_size_hr":    formatBytes(total),
		"active_downloads": s.ctrl.ActiveCount(),
	})
}

// safePath confines a requested name to the output directory. Anything
// carrying a path separator or traversal is rejected outright.
func (s *Server) safePath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", false
	}
	return filepath.Join(s.cfg.DownloadDir, name), true
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
