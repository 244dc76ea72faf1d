package main

type jobView struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	CacheDir    string   `json:"cache_dir"`
	TargetDir   string   `json:"target_dir"`
	State       string   `json:"state"`
	StateCode   int      `json:"state_code"`
	Progress    int64    `json:"progress"`
	Message     string   `json:"message"`
	TargetFiles []string `json:"target_files"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	FinishedAt  string   `json:"finished_at"`
}
