package i18n

import (
	"reflect"
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBDriver      string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	// Services
	ReconStarted       string
	LeaderLockEnabled  string
	BinanceFeedStarted string
	MockFeedStarted    string
	GRPCHealthStarted  string

	// API errors, keyed by error code
	InsufficientBalance string
	InvalidTransition   string
	StoreUnavailable    string
	NotFound            string
	AlreadyExists       string
	InvalidRequest      string
	InvalidStake        string
	InvalidAmount       string
	InvalidAddress      string
	InvalidRole         string
	InvalidDirection    string
	InvalidStatus       string
	UnknownTier         string
	UnknownInstrument   string
	RiskLimit           string
	Unauthorized        string
	Forbidden           string
	InvalidCredentials  string
	RateLimited         string
	InternalError       string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting trading simulation core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBDriver:      "Using %s store",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",

	// Services
	ReconStarted:       "Reconciliation service started",
	LeaderLockEnabled:  "Reconciliation leader lock enabled (redis %s)",
	BinanceFeedStarted: "Binance ticker feed started",
	MockFeedStarted:    "Mock ticker feed started",
	GRPCHealthStarted:  "gRPC health service listening on %s",

	// API errors
	InsufficientBalance: "Insufficient balance",
	InvalidTransition:   "The trade has already been resolved or settled",
	StoreUnavailable:    "Service temporarily unavailable, please retry",
	NotFound:            "Not found",
	AlreadyExists:       "Already exists",
	InvalidRequest:      "Invalid request",
	InvalidStake:        "Stake must be greater than zero",
	InvalidAmount:       "Invalid amount",
	InvalidAddress:      "Withdrawal address is required",
	InvalidRole:         "Role must be user or admin",
	InvalidDirection:    "Direction must be up or down",
	InvalidStatus:       "Invalid status",
	UnknownTier:         "Unknown duration tier",
	UnknownInstrument:   "Instrument is not tradable",
	RiskLimit:           "Trade exceeds your limits",
	Unauthorized:        "Authentication required",
	Forbidden:           "Operator access required",
	InvalidCredentials:  "Invalid email or password",
	RateLimited:         "Too many requests",
	InternalError:       "Internal error",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動交易模擬核心...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBDriver:      "使用 %s 資料庫",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	// Services
	ReconStarted:       "對帳服務已啟動",
	LeaderLockEnabled:  "對帳主節點鎖已啟用（redis %s）",
	BinanceFeedStarted: "Binance 行情訂閱已啟動",
	MockFeedStarted:    "模擬行情訂閱已啟動",
	GRPCHealthStarted:  "gRPC 健康檢查服務監聽於 %s",

	// API errors
	InsufficientBalance: "餘額不足",
	InvalidTransition:   "此交易已結算或已有結果",
	StoreUnavailable:    "服務暫時無法使用，請稍後再試",
	NotFound:            "找不到資料",
	AlreadyExists:       "資料已存在",
	InvalidRequest:      "請求格式錯誤",
	InvalidStake:        "下單金額必須大於零",
	InvalidAmount:       "金額無效",
	InvalidAddress:      "請填寫提款地址",
	InvalidRole:         "角色必須為 user 或 admin",
	InvalidDirection:    "方向必須為 up 或 down",
	InvalidStatus:       "狀態無效",
	UnknownTier:         "未知的期限選項",
	UnknownInstrument:   "此商品不可交易",
	RiskLimit:           "超出交易限制",
	Unauthorized:        "需要登入",
	Forbidden:           "需要管理員權限",
	InvalidCredentials:  "電子郵件或密碼錯誤",
	RateLimited:         "請求過於頻繁",
	InternalError:       "內部錯誤",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	messages = For(lang)
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// For returns the catalog of lang without changing the process default.
func For(lang Language) *Messages {
	switch lang {
	case LangZH:
		return &messagesZH
	default:
		return &messagesEN
	}
}

// FromAcceptLanguage picks a catalog language from an Accept-Language
// header, or "" when none matches.
func FromAcceptLanguage(header string) Language {
	for _, part := range strings.Split(header, ",") {
		tag := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch {
		case strings.HasPrefix(tag, "zh"):
			return LangZH
		case strings.HasPrefix(tag, "en"):
			return LangEN
		}
	}
	return ""
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	return lookup(M(), key)
}

// Error returns the message for an API error code such as
// INSUFFICIENT_BALANCE in lang.
func Error(lang Language, code string) string {
	return lookup(For(lang), codeToField(code))
}

func lookup(msg *Messages, key string) string {
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// codeToField turns INSUFFICIENT_BALANCE into InsufficientBalance.
func codeToField(code string) string {
	var b strings.Builder
	for _, word := range strings.Split(strings.ToLower(code), "_") {
		if word == "" {
			continue
		}
		b.WriteString(strings.ToUpper(word[:1]))
		b.WriteString(word[1:])
	}
	return b.String()
}
