package pixel

import (
	"strings"
)

// Generator emits the first-party JavaScript tag for a site. The script text
// is a contract with browsers already running old copies: cookie names,
// field names and flush behaviour must stay stable across releases.
type Generator struct {
	platformDomain string
}

// NewGenerator creates a script generator. platformDomain is the default
// event endpoint host, e.g. "px.opticdata.io".
func NewGenerator(platformDomain string) *Generator {
	return &Generator{platformDomain: platformDomain}
}

// Generate returns the pixel script for the given site token. When a
// verified custom domain is supplied, it becomes the event endpoint base so
// the tag runs fully first-party; otherwise the platform domain is used.
func (g *Generator) Generate(siteToken, customDomain string) string {
	host := g.platformDomain
	if customDomain != "" {
		host = customDomain
	}
	r := strings.NewReplacer(
		"__TOKEN__", siteToken,
		"__ENDPOINT__", "https://"+host,
	)
	return r.Replace(scriptTemplate)
}

// Cookie lifetimes (days): anonymous id 400, session 1, click ids / utm 90.
// Session inactivity rollover is 30 minutes. Batch flush: 2 s timer or 20
// events, with a final sendBeacon flush on pagehide / tab-hidden.
const scriptTemplate = `(function(){
"use strict";
var TOKEN="__TOKEN__",EP="__ENDPOINT__";
var CLICK_IDS=["fbclid","gclid","ttclid","sclid","msclkid"];
var UTMS=["utm_source","utm_medium","utm_campaign","utm_content","utm_term"];
function setCookie(n,v,days){var d=new Date();d.setTime(d.getTime()+days*864e5);
document.cookie=n+"="+encodeURIComponent(v)+";expires="+d.toUTCString()+";path=/;SameSite=Lax";}
function getCookie(n){var m=document.cookie.match(new RegExp("(?:^|; )"+n+"=([^;]*)"));
return m?decodeURIComponent(m[1]):"";}
function uuid(){if(window.crypto&&crypto.getRandomValues){var b=new Uint8Array(16);crypto.getRandomValues(b);
b[6]=(b[6]&15)|64;b[8]=(b[8]&63)|128;var h=[],i;for(i=0;i<16;i++)h.push((b[i]+256).toString(16).slice(1));
return h.slice(0,4).join("")+"-"+h.slice(4,6).join("")+"-"+h.slice(6,8).join("")+"-"+h.slice(8,10).join("")+"-"+h.slice(10).join("");}
return "xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx".replace(/[xy]/g,function(c){
var r=Math.random()*16|0;return (c==="x"?r:(r&3|8)).toString(16);});}
function djb2(s){var h=5381,i;for(i=0;i<s.length;i++){h=((h<<5)+h+s.charCodeAt(i))>>>0;}return h.toString(16);}
var aid=getCookie("_od_aid");if(!aid){aid=uuid();}setCookie("_od_aid",aid,400);
function sessionId(){var raw=getCookie("_od_sid"),now=Date.now(),id="",last=0;
if(raw){var p=raw.split(".");id=p[0];last=parseInt(p[1],10)||0;}
if(!id||now-last>18e5){id=uuid();}
setCookie("_od_sid",id+"."+now,1);return id;}
var params={};try{var q=new URLSearchParams(location.search);
CLICK_IDS.concat(UTMS).forEach(function(k){var v=q.get(k);
if(v){params[k]=v;setCookie("_od_"+k,v,90);}else{var c=getCookie("_od_"+k);if(c)params[k]=c;}});}catch(e){}
var fp=djb2([screen.width,screen.height,screen.colorDepth,navigator.language,
navigator.hardwareConcurrency||0,navigator.maxTouchPoints||0,
new Date().getTimezoneOffset(),navigator.platform||""].join("|"));
function device(){var ua=navigator.userAgent;
if(/tablet|ipad/i.test(ua))return "tablet";
if(/mobi|android|iphone/i.test(ua))return "mobile";return "desktop";}
function browser(){var ua=navigator.userAgent;
if(ua.indexOf("Edg/")>-1)return "edge";if(ua.indexOf("OPR/")>-1)return "opera";
if(ua.indexOf("Chrome/")>-1)return "chrome";if(ua.indexOf("Safari/")>-1)return "safari";
if(ua.indexOf("Firefox/")>-1)return "firefox";return "other";}
function osName(){var ua=navigator.userAgent;
if(/windows/i.test(ua))return "windows";if(/mac os/i.test(ua))return "macos";
if(/android/i.test(ua))return "android";if(/iphone|ipad|ios/i.test(ua))return "ios";
if(/linux/i.test(ua))return "linux";return "other";}
function sessionData(){return{ref:document.referrer||"",lp:location.href,
us:params.utm_source||"",um:params.utm_medium||"",uc:params.utm_campaign||"",
uo:params.utm_content||"",ut:params.utm_term||"",
fbc:params.fbclid||"",gc:params.gclid||"",ttc:params.ttclid||"",
sc:params.sclid||"",msc:params.msclkid||"",
dt:device(),br:browser(),os:osName(),sw:screen.width,sh:screen.height,
tz:Intl&&Intl.DateTimeFormat?Intl.DateTimeFormat().resolvedOptions().timeZone:"",
ln:navigator.language};}
var queue=[],timer=null,sentSession=false;
function send(useBeacon){if(!queue.length)return;
var events=queue.splice(0,queue.length);
if(timer){clearTimeout(timer);timer=null;}
var body=JSON.stringify({token:TOKEN,aid:aid,sid:sessionId(),fp:fp,
ts:Date.now(),session:sentSession?null:sessionData(),events:events});
sentSession=true;
var url=EP+"/t/event";
if(useBeacon&&navigator.sendBeacon){navigator.sendBeacon(url,body);return;}
if(window.fetch){fetch(url,{method:"POST",body:body,keepalive:true,
headers:{"Content-Type":"text/plain"}}).catch(function(){});}
else{var x=new XMLHttpRequest();x.open("POST",url,true);x.send(body);}}
function enqueue(evt){queue.push(evt);
if(queue.length>=20){send(false);return;}
if(!timer){timer=setTimeout(function(){send(false);},2000);}}
function baseEvent(name){return{n:name,u:location.href,t:document.title,
r:document.referrer||"",eid:uuid(),ts:Date.now(),
c:{fbc:params.fbclid||"",gc:params.gclid||"",ttc:params.ttclid||"",
sc:params.sclid||"",msc:params.msclkid||""}};}
var ECOM_KEYS={order_id:"oid",revenue:"rev",currency:"cur",
product_ids:"pids",product_names:"pnames",quantity:"qty"};
function track(name,props){var evt=baseEvent(name);
if(props){var extra={};for(var k in props){if(!props.hasOwnProperty(k))continue;
if(ECOM_KEYS[k]){evt[ECOM_KEYS[k]]=props[k];}else{extra[k]=props[k];}}
for(var e in extra){evt.p=extra;break;}}
enqueue(evt);}
function identify(ids){var body=JSON.stringify({token:TOKEN,aid:aid,
email:ids.email||"",phone:ids.phone||"",cid:ids.customer_id||ids.cid||""});
if(navigator.sendBeacon){navigator.sendBeacon(EP+"/t/identify",body);}
else if(window.fetch){fetch(EP+"/t/identify",{method:"POST",body:body,
headers:{"Content-Type":"text/plain"}}).catch(function(){});}}
document.addEventListener("visibilitychange",function(){
if(document.visibilityState==="hidden")send(true);});
window.addEventListener("pagehide",function(){send(true);});
var _push=history.pushState,_replace=history.replaceState;
function onNav(){setTimeout(function(){track("PageView");},0);}
if(_push){history.pushState=function(){_push.apply(history,arguments);onNav();};}
if(_replace){history.replaceState=function(){_replace.apply(history,arguments);onNav();};}
window.addEventListener("popstate",onNav);
window.optic={track:track,identify:identify,
viewContent:function(p){track("ViewContent",p);},
addToCart:function(p){track("AddToCart",p);},
initiateCheckout:function(p){track("InitiateCheckout",p);},
purchase:function(p){track("Purchase",p);},
lead:function(p){track("Lead",p);},
subscribe:function(p){track("Subscribe",p);}};
track("PageView");
})();
`
