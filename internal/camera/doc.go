// Package camera はマシンビジョンカメラを共通の操作で扱うための抽象を提供する
//
// # 責務
// - デバイスのライフサイクル管理 (Empty → Waiting → Running → Closed → Deleting)
// - オープン時に確定する機能とピクセル形式の照会
// - 最新フレームだけを保持するフレームチャネル
// - トリガーとGPOの設定
// - バックエンド (mock, v4l2, x11, gstreamer, opencv) の切り替え
//
// # 仕様
//   - Device: 状態機械、機能照会、フレームチャネル、トリガー制御を1つのドライバーの上に組み立てる
//   - FrameChannel: バックエンドのスレッドから書き込み、利用者が IsFrameNew/GetFrame で読む。
//     通し番号はクローズを跨いでも戻らない
//   - Manager: 複数デバイスの追加・削除と自動開始
//   - Poller: 1台のデバイスをポーリングして複数の購読者にフレームを配る
//   - 全ての操作はスレッドセーフ
//
// # 前提要件
//   - v4l-utils: v4l2 と gstreamer バックエンドのデバイス調査とコントロール設定に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: v4l2 と x11 バックエンドのキャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - gstreamer バックエンドは -tags gstreamer、opencv バックエンドは -tags opencv でビルドする
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
