// Package server は、デバイスを操作するHTTP APIとストリーミング配信を提供します。
//
// 責務:
//   - gin によるルーティングとJSON API
//   - デバイスのライフサイクル、コントロール、トリガー操作の公開
//   - 最新フレームの画像取得とモザイク表示
//   - MJPEG と WebSocket によるフレーム配信
//   - mDNS (_mvision._tcp) での告知
//
// 仕様:
//   - ストリーミングはデバイスごとに1つのポーラーを共有する
//   - デバイスのエラー種別をHTTPステータスに対応付ける
//   - グレースフルシャットダウンに対応
package server
