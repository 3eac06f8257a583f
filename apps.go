package main

import (
	"sort"
	"strings"
)

// ========================================
// App registry - 应用名称到包名的映射
// ========================================

// appPackages maps curated human-readable app names (localized labels plus
// common aliases) to Android package identifiers. The registry is immutable
// and loaded once at process start.
var appPackages = map[string]string{
	// 社交 / messaging
	"微信":       "com.tencent.mm",
	"wechat":   "com.tencent.mm",
	"qq":       "com.tencent.mobileqq",
	"微博":       "com.sina.weibo",
	"weibo":    "com.sina.weibo",
	"小红书":      "com.xingin.xhs",
	"rednote":  "com.xingin.xhs",
	"知乎":       "com.zhihu.android",
	"zhihu":    "com.zhihu.android",
	"telegram": "org.telegram.messenger",
	"whatsapp": "com.whatsapp",

	// 视频 / media
	"抖音":        "com.ss.android.ugc.aweme",
	"douyin":    "com.ss.android.ugc.aweme",
	"快手":        "com.smile.gifmaker",
	"kuaishou":  "com.smile.gifmaker",
	"哔哩哔哩":      "tv.danmaku.bili",
	"bilibili":  "tv.danmaku.bili",
	"b站":        "tv.danmaku.bili",
	"腾讯视频":      "com.tencent.qqlive",
	"爱奇艺":       "com.qiyi.video",
	"优酷":        "com.youku.phone",
	"youtube":   "com.google.android.youtube",
	"网易云音乐":     "com.netease.cloudmusic",
	"qq音乐":      "com.tencent.qqmusic",
	"spotify":   "com.spotify.music",

	// 购物 / shopping
	"淘宝":           "com.taobao.taobao",
	"taobao":       "com.taobao.taobao",
	"京东":           "com.jingdong.app.mall",
	"jd":           "com.jingdong.app.mall",
	"拼多多":          "com.xunmeng.pinduoduo",
	"pinduoduo":    "com.xunmeng.pinduoduo",
	"天猫":           "com.tmall.wireless",
	"闲鱼":           "com.taobao.idlefish",

	// 支付 / finance
	"支付宝":    "com.eg.android.AlipayGphone",
	"alipay": "com.eg.android.AlipayGphone",

	// 本地生活 / local
	"美团":      "com.sankuai.meituan",
	"meituan": "com.sankuai.meituan",
	"饿了么":     "me.ele",
	"eleme":   "me.ele",
	"大众点评":    "com.dianping.v1",
	"携程":      "ctrip.android.view",
	"ctrip":   "ctrip.android.view",

	// 地图 / 出行
	"高德地图":        "com.autonavi.minimap",
	"amap":        "com.autonavi.minimap",
	"百度地图":        "com.baidu.BaiduMap",
	"滴滴出行":        "com.sdu.didi.psnger",
	"didi":        "com.sdu.didi.psnger",
	"google maps": "com.google.android.apps.maps",
	"maps":        "com.google.android.apps.maps",

	// 系统 / google
	"设置":       "com.android.settings",
	"settings": "com.android.settings",
	"chrome":   "com.android.chrome",
	"gmail":    "com.google.android.gm",
	"相机":       "com.android.camera2",
	"camera":   "com.android.camera2",
	"日历":       "com.google.android.calendar",
	"calendar": "com.google.android.calendar",
}

// ResolveApp maps a human-readable app name to its package id.
// Lookup is case-insensitive and trims surrounding whitespace.
func ResolveApp(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	pkg, ok := appPackages[key]
	return pkg, ok
}

// SupportedApps returns the sorted list of registered app names, for the CLI
// and external control surfaces.
func SupportedApps() []string {
	names := make([]string, 0, len(appPackages))
	for name := range appPackages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
