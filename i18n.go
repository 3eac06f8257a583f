package main

import "encoding/json"

// Language selects the localization of prompts and user-visible messages.
type Language string

const (
	LangCN Language = "cn"
	LangEN Language = "en"
)

func (l Language) valid() bool { return l == LangCN || l == LangEN }

const systemPromptCN = `你是一个手机操作助手。每一轮你会收到当前手机屏幕的截图和屏幕信息，你需要根据用户的任务决定下一步操作。

坐标系说明：屏幕坐标使用 0 到 1000 的相对坐标，[0,0] 是屏幕左上角，[1000,1000] 是屏幕右下角。

你必须按以下格式回复：
<think>这里写你对当前屏幕的分析和下一步的思考</think>
<answer>这里写一个操作指令</answer>

可用的操作指令：
do(action="Tap", element=[x,y])  # 点击屏幕上的位置
do(action="Tap", element=[x,y], message="说明")  # 敏感操作（支付、转账等）点击前需要用户确认
do(action="Double Tap", element=[x,y])  # 双击
do(action="Long Press", element=[x,y])  # 长按
do(action="Swipe", start=[x1,y1], end=[x2,y2])  # 滑动
do(action="Type", text="要输入的文字")  # 在当前输入框输入文字
do(action="Launch", app="应用名")  # 打开应用
do(action="Back")  # 返回上一页
do(action="Home")  # 回到桌面
do(action="Wait", duration="3 seconds")  # 等待页面加载
do(action="Take Over", message="说明")  # 遇到登录、验证码等需要用户接管的情况
finish(message="任务结果")  # 任务完成时结束并汇报结果

注意：
- 每次只输出一个操作。
- 如果屏幕是黑屏或敏感页面，请使用 Take Over 请求用户接管。
- 任务完成后必须使用 finish 结束。`

const systemPromptEN = `You are a phone operation assistant. Each turn you receive a screenshot of the current phone screen together with screen info, and you must decide the next operation to complete the user's task.

Coordinates: the screen uses relative coordinates from 0 to 1000. [0,0] is the top-left corner and [1000,1000] is the bottom-right corner.

You must reply in this format:
<think>your analysis of the current screen and your plan for the next step</think>
<answer>exactly one operation</answer>

Available operations:
do(action="Tap", element=[x,y])  # tap a position on screen
do(action="Tap", element=[x,y], message="why")  # sensitive taps (payment, transfer) require user confirmation
do(action="Double Tap", element=[x,y])
do(action="Long Press", element=[x,y])
do(action="Swipe", start=[x1,y1], end=[x2,y2])
do(action="Type", text="text to enter")  # type into the focused field
do(action="Launch", app="app name")  # open an app
do(action="Back")  # navigate back
do(action="Home")  # go to the home screen
do(action="Wait", duration="3 seconds")  # wait for the page to load
do(action="Take Over", message="why")  # hand over to the user for login, captcha, etc.
finish(message="result")  # finish the task and report the result

Rules:
- Output exactly one operation per turn.
- If the screen is black or shows a protected surface, use Take Over.
- Always end a completed task with finish.`

// GetSystemPrompt returns the per-language system prompt that seeds the
// conversation context.
func GetSystemPrompt(lang Language) string {
	if lang == LangEN {
		return systemPromptEN
	}
	return systemPromptCN
}

// uiMessages are the localized single-sentence strings surfaced to users.
var uiMessages = map[Language]map[string]string{
	LangCN: {
		"thinking":            "思考过程",
		"action":              "执行操作",
		"task_completed":      "任务完成",
		"done":                "完成",
		"no_device":           "未找到已连接的设备，请检查 ADB 连接",
		"budget_exhausted":    "已达到最大步数限制，任务未完成",
		"task_stopped":        "任务已停止",
		"model_error":         "模型调用失败",
		"parse_storm":         "模型连续返回无法解析的操作",
		"device_error":        "设备操作失败",
		"user_denied":         "用户拒绝了该操作",
		"app_not_supported":   "不支持该应用",
		"takeover_done":       "用户接管已完成，继续执行",
		"connect_ok":          "设备连接成功",
		"connect_failed":      "设备连接失败",
		"disconnect_ok":       "设备已断开",
		"disconnect_failed":   "断开设备失败",
		"tcpip_ok":            "已开启 TCP/IP 调试模式",
		"tcpip_failed":        "开启 TCP/IP 模式失败",
		"tcpip_requires_usb":  "仅已连接的 USB 设备可以开启 TCP/IP 模式",
		"ime_missing":         "设备缺少 ADBKeyboard 输入法，请先安装并启用",
	},
	LangEN: {
		"thinking":            "Thinking",
		"action":              "Action",
		"task_completed":      "Task completed",
		"done":                "Done",
		"no_device":           "No connected device found, check your ADB connection",
		"budget_exhausted":    "Step budget exhausted before the task finished",
		"task_stopped":        "Task stopped",
		"model_error":         "Model request failed",
		"parse_storm":         "Model kept returning unparseable actions",
		"device_error":        "Device operation failed",
		"user_denied":         "The user denied this action",
		"app_not_supported":   "This app is not supported",
		"takeover_done":       "User takeover finished, resuming",
		"connect_ok":          "Device connected",
		"connect_failed":      "Failed to connect to device",
		"disconnect_ok":       "Device disconnected",
		"disconnect_failed":   "Failed to disconnect device",
		"tcpip_ok":            "TCP/IP debugging enabled",
		"tcpip_failed":        "Failed to enable TCP/IP mode",
		"tcpip_requires_usb":  "Only a connected USB device can enable TCP/IP mode",
		"ime_missing":         "ADBKeyboard IME is missing on the device, install and enable it first",
	},
}

// Msg returns a localized message by key, falling back to English then to the
// key itself so a missing entry never produces an empty sentence.
func Msg(lang Language, key string) string {
	if m, ok := uiMessages[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	if s, ok := uiMessages[LangEN][key]; ok {
		return s
	}
	return key
}

// BuildScreenInfo renders the screen-info JSON blob sent with every user turn.
func BuildScreenInfo(currentApp string) string {
	info := map[string]string{"current_app": currentApp}
	data, _ := json.Marshal(info)
	return string(data)
}
