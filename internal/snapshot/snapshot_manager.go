package snapshot

// ============================================================================
// 職責說明：
// 1. 單實例模式（未設定 REDIS_URL）下，把記憶體儲存序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 週期性寫入，關閉時再寫一次，重啟後任務與快取索引不會遺失
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/dlcache/internal/store"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const schemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Data 快照檔內容
type Data struct {
	SchemaVer int               `json:"schema_version"`
	SavedAt   time.Time         `json:"saved_at"`
	State     store.MemoryState `json:"state"`
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(state store.MemoryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := Data{SchemaVer: schemaVersion, SavedAt: time.Now().UTC(), State: state}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，found 為 false（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (data Data, found bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: schemaVersion}, false, nil
		}
		return data, false, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, false, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return data, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	return data, true, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 記憶體儲存的持久化
// ============================================================================

// Persister 週期性把 Memory 寫成快照
type Persister struct {
	mgr      *Manager
	mem      *store.Memory
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPersister 建立持久化器；interval <= 0 只在 Stop 時寫入
func NewPersister(mgr *Manager, mem *store.Memory, interval time.Duration) *Persister {
	return &Persister{mgr: mgr, mem: mem, interval: interval, stopCh: make(chan struct{})}
}

// Restore 若快照存在則載入到記憶體儲存，回傳還原的鍵數
func (p *Persister) Restore() (int, error) {
	data, found, err := p.mgr.Load()
	if err != nil || !found {
		return 0, err
	}
	p.mem.Restore(data.State)
	n := data.State.Keys()
	log.Info("store restored from snapshot", "path", p.mgr.GetPath(), "keys", n, "saved_at", data.SavedAt)
	return n, nil
}

// Save 立即寫入一次
func (p *Persister) Save() error {
	state := p.mem.Dump()
	if err := p.mgr.Write(state); err != nil {
		return err
	}
	log.Debug("snapshot written", "path", p.mgr.GetPath(), "keys", state.Keys())
	return nil
}

// Start 啟動週期寫入
func (p *Persister) Start() {
	if p.interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				if err := p.Save(); err != nil {
					log.Error("periodic snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Stop 停止週期寫入並寫入最後一次快照
func (p *Persister) Stop() error {
	var err error
	p.once.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		err = p.Save()
	})
	return err
}
