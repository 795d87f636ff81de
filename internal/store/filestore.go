// Package store はユーザーレコードの永続化を提供する。
//
// ストアは単一のJSONファイルで、テーブル全体を一括で読み書きする。
// 部分書き込みのAPIは公開しない。呼び出し元（vault）が
// load → メモリ上で変更 → save のサイクルを直列化する。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hitoshi/marketrelay/internal/model"
)

// usersFileName はユーザーデータファイルの名前。
const usersFileName = "users.json"

// FileStore はJSONフラットファイルによるユーザーレコードのストア。
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore はdataDir配下のusers.jsonを使うFileStoreを生成する。
func NewFileStore(dataDir string, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:   filepath.Join(dataDir, usersFileName),
		logger: logger,
	}
}

// Path はストアファイルのパスを返す。起動時のログ出力用。
func (s *FileStore) Path() string {
	return s.path
}

// LoadAll はユーザーテーブル全体を読み込む。
// ファイルが存在しない場合は空のマップを返す（初回起動。エラーではない）。
// JSONが解析できない場合はmodel.ErrStoreCorruptを返す。
func (s *FileStore) LoadAll(ctx context.Context) (map[string]*model.UserRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("ユーザーデータファイルが未作成のため空のテーブルを返します",
				slog.String("path", s.path),
			)
			return make(map[string]*model.UserRecord), nil
		}
		return nil, fmt.Errorf("ユーザーデータファイルの読み込みに失敗しました: %w", err)
	}

	records := make(map[string]*model.UserRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Error("ユーザーデータファイルのJSON解析に失敗しました",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s", model.ErrStoreCorrupt, s.path)
	}
	// JSONリテラルnullは解析エラーにならずマップをnilにする。
	// テーブルとしては破損なのでnilマップを呼び出し元に渡さない
	if records == nil {
		s.logger.Error("ユーザーデータファイルの内容がオブジェクトではありません",
			slog.String("path", s.path),
		)
		return nil, fmt.Errorf("%w: %s", model.ErrStoreCorrupt, s.path)
	}

	return records, nil
}

// SaveAll はユーザーテーブル全体をシリアライズしてファイルを上書きする。
// 一時ファイルへの書き込みとリネームで置き換えるため、
// 書き込み途中のファイルが読み手に見えることはない。
func (s *FileStore) SaveAll(ctx context.Context, records map[string]*model.UserRecord) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗しました: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("ユーザーデータのシリアライズに失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(dir, usersFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ユーザーデータの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("一時ファイルのクローズに失敗しました: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ファイル権限の設定に失敗しました: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ユーザーデータファイルの置き換えに失敗しました: %w", err)
	}

	return nil
}
