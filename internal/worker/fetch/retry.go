package fetch

import (
	"fmt"
	"time"

	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
)

// FetchResult はフェッチ結果の分類。アカウントのスケジュール状態の遷移を決める。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功。
	FetchResultOK FetchResult = iota
	// FetchResultStop はフェッチ停止が必要なエラー（認証失敗、アカウント消失）。
	FetchResultStop
	// FetchResultBackoff はバックオフが必要なエラー（レート制限、一時的な障害）。
	FetchResultBackoff
	// FetchResultParseFailure は応答を解釈できなかったエラー。連続回数を数え、閾値で停止する。
	FetchResultParseFailure
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// parseFailureThreshold はパース失敗によるフェッチ停止の閾値。
	parseFailureThreshold = 10
)

// ClassifyError はフェッチのエラーを分類する。nilは成功を表す。
func ClassifyError(err error) FetchResult {
	if err == nil {
		return FetchResultOK
	}
	switch platform.KindOf(err) {
	case model.AdapterErrorUnauthorized, model.AdapterErrorNotFound:
		return FetchResultStop
	case model.AdapterErrorMalformed:
		return FetchResultParseFailure
	default:
		return FetchResultBackoff
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyStop はアカウントのフェッチを停止する。
func ApplyStop(account *model.PlatformAccount, reason string, now time.Time) {
	account.FetchStatus = model.FetchStatusStopped
	account.ErrorMessage = reason
	account.UpdatedAt = now
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフでnext_fetch_atを設定する。
func ApplyBackoff(account *model.PlatformAccount, reason string, now time.Time) {
	account.ConsecutiveErrors++
	account.ErrorMessage = reason
	account.NextFetchAt = now.Add(CalculateBackoff(account.ConsecutiveErrors - 1))
	account.UpdatedAt = now
}

// ApplySuccess はフェッチ成功時に状態をリセットし、次回のフェッチ時刻を設定する。
// アカウントのIntervalMinutesが未設定の場合はdefaultIntervalを使用する。
func ApplySuccess(account *model.PlatformAccount, defaultInterval time.Duration, now time.Time) {
	account.ConsecutiveErrors = 0
	account.ErrorMessage = ""
	account.NextFetchAt = now.Add(fetchInterval(account, defaultInterval))
	account.UpdatedAt = now
}

// ApplyParseFailure はパース失敗を数える。閾値に達した場合はフェッチを停止する。
func ApplyParseFailure(account *model.PlatformAccount, reason string, defaultInterval time.Duration, now time.Time) {
	account.ConsecutiveErrors++
	account.ErrorMessage = fmt.Sprintf("パース失敗 (%d回連続): %s", account.ConsecutiveErrors, reason)
	account.NextFetchAt = now.Add(fetchInterval(account, defaultInterval))
	account.UpdatedAt = now

	if account.ConsecutiveErrors >= parseFailureThreshold {
		account.FetchStatus = model.FetchStatusStopped
		account.ErrorMessage = fmt.Sprintf("パース失敗が%d回連続したためフェッチを停止しました: %s", account.ConsecutiveErrors, reason)
	}
}

func fetchInterval(account *model.PlatformAccount, defaultInterval time.Duration) time.Duration {
	if account.IntervalMinutes > 0 {
		return time.Duration(account.IntervalMinutes) * time.Minute
	}
	return defaultInterval
}
