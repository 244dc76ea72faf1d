package journal

import "encoding/json"

// JobView is a light view for API/CLI.
type JobView struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	CacheDir    string   `json:"cache_dir"`
	TargetDir   string   `json:"target_dir"`
	State       string   `json:"state"`
	StateCode   int      `json:"state_code"`
	Progress    int64    `json:"progress"`
	Message     string   `json:"message,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	FinishedAt  string   `json:"finished_at,omitempty"`
}

func (r Record) View() JobView {
	v := JobView{
		ID:        r.ID,
		URL:       r.URL,
		CacheDir:  r.CacheDir,
		TargetDir: r.TargetDir,
		State:     r.State,
		StateCode: r.StateCode,
		Progress:  r.Progress,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Message.Valid {
		v.Message = r.Message.String
	}
	if r.FinishedAt.Valid {
		v.FinishedAt = r.FinishedAt.String
	}
	if r.TargetFiles.Valid {
		_ = json.Unmarshal([]byte(r.TargetFiles.String), &v.TargetFiles)
	}
	return v
}
