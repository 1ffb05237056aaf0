// Package security は上流API呼び出しと外部データ取り込みのセキュリティ機能を提供する。
//
// 上流APIへの接続にはsafeurlによるSSRF防止付きHTTPクライアントを使用し、
// 上流から受け取ったユーザー名・表示名はbluemondayでマークアップを除去してから保存・配信する。
package security
